package state

import (
	"context"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/topology"
)

// QueryLatest represents to query the latest block in the chain.
const QueryLatest = ^uint64(0) >> 1

// =============================================================================

// QueryStatus returns the status of this node for a peer doing discovery.
func (s *State) QueryStatus(ctx context.Context) (peer.PeerStatus, error) {
	latest, err := s.storage.LatestBlock(ctx)
	if err != nil {
		return peer.PeerStatus{}, err
	}

	peers, err := s.directory.All(ctx)
	if err != nil {
		return peer.PeerStatus{}, err
	}

	status := peer.PeerStatus{
		NodeID:            s.host,
		LatestBlockHash:   latest.Hash(),
		LatestBlockNumber: latest.Header.Number,
		KnownPeers:        peers,
	}

	return status, nil
}

// QueryKnownPeers returns the peers of this node.
func (s *State) QueryKnownPeers(ctx context.Context) ([]peer.Peer, error) {
	return s.directory.All(ctx)
}

// AddKnownPeer adds the host as a peer. It returns true when the peer is new.
func (s *State) AddKnownPeer(ctx context.Context, host string) (bool, error) {
	return s.directory.Add(ctx, host)
}

// QueryMempool returns the pending entries in selection order.
func (s *State) QueryMempool(ctx context.Context) ([]database.MempoolEntry, error) {
	entries, err := s.storage.QueryPending(ctx)
	if err != nil {
		return nil, err
	}

	s.metrics.Mempool.Set(float64(len(entries)))

	return entries, nil
}

// QueryMempoolEntry returns the pending entry for the hash.
func (s *State) QueryMempoolEntry(ctx context.Context, hash string) (database.MempoolEntry, error) {
	return s.storage.GetEntry(ctx, hash)
}

// QueryBalance returns the cached derived balance for the account.
func (s *State) QueryBalance(ctx context.Context, accountID database.AccountID) (database.Balance, error) {
	return s.storage.Balance(ctx, accountID)
}

// QueryLatestBlock returns the current tip of the chain.
func (s *State) QueryLatestBlock(ctx context.Context) (database.Block, error) {
	return s.storage.LatestBlock(ctx)
}

// QueryBlocksByNumber returns the set of blocks based on block numbers.
func (s *State) QueryBlocksByNumber(ctx context.Context, from uint64, to uint64) ([]database.Block, error) {
	latest, err := s.storage.LatestBlock(ctx)
	if err != nil {
		return nil, err
	}

	if from == QueryLatest {
		from = latest.Header.Number
		to = from
	}
	if to == QueryLatest || to > latest.Header.Number {
		to = latest.Header.Number
	}

	var out []database.Block
	for i := from; i <= to; i++ {
		block, err := s.storage.GetBlock(ctx, i)
		if err != nil {
			return nil, err
		}
		out = append(out, block)
	}

	return out, nil
}

// QueryAdjacency returns the edges this node reports to peers asking for
// the topology.
func (s *State) QueryAdjacency(ctx context.Context) ([]database.TopologyEdge, error) {
	return s.topology.Adjacency(ctx)
}

// QueryTopology returns every unexpired edge known to this node.
func (s *State) QueryTopology(ctx context.Context) ([]database.TopologyEdge, error) {
	return s.topology.Edges(ctx)
}

// RefreshTopology makes sure the topology cache is fresh.
func (s *State) RefreshTopology(ctx context.Context) (topology.Status, error) {
	return s.topology.EnsureFresh(ctx)
}

// QueryTracking returns the broadcast tracking records for the transaction.
func (s *State) QueryTracking(ctx context.Context, txHash string) ([]database.TrackingRecord, error) {
	return s.storage.QueryTracking(ctx, txHash, time.Now())
}

// PurgeTracking removes the expired tracking records.
func (s *State) PurgeTracking(ctx context.Context) (int, error) {
	return s.storage.PurgeTracking(ctx, time.Now())
}

// UnlockAccount loads the named key file into the keystore for the ttl.
func (s *State) UnlockAccount(name string, ttl time.Duration) (database.AccountID, time.Time, error) {
	if s.keystore == nil {
		return "", time.Time{}, errNoKeystore
	}
	return s.keystore.Unlock(name, ttl)
}
