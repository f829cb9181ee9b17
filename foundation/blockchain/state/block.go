package state

import (
	"context"
	"errors"
	"fmt"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/proposer"
)

// MaybePropose checks the mempool thresholds and, when one is met, assembles,
// signs and persists the next block.
func (s *State) MaybePropose(ctx context.Context) (proposer.Result, error) {
	res, err := s.proposer.MaybePropose(ctx)
	switch {
	case errors.Is(err, proposer.ErrProposalInProgress):
		s.metrics.Proposals.WithLabelValues("in_progress").Inc()
		return res, err

	case err != nil:
		s.metrics.Proposals.WithLabelValues("error").Inc()
		return res, err
	}

	if !res.Mined {
		s.metrics.Proposals.WithLabelValues("not_triggered").Inc()
		return res, nil
	}

	s.metrics.Proposals.WithLabelValues("mined").Inc()
	s.metrics.Blocks.Inc()
	s.refreshBalances(ctx, res.Block.Trans)
	s.recordMempool(ctx)

	return res, nil
}

// ProcessProposedBlock takes a block received from a peer, validates it
// against the local tip and the proposer signature, and writes it.
func (s *State) ProcessProposedBlock(ctx context.Context, block database.Block) error {
	s.evHandler("state: ValidateProposedBlock: started: prevBlk[%s]: newBlk[%s]: numTrans[%d]", block.Header.ParentHash, block.Hash(), len(block.Trans))
	defer s.evHandler("state: ValidateProposedBlock: completed: newBlk[%s]", block.Hash())

	latest, err := s.storage.LatestBlock(ctx)
	if err != nil {
		return database.NewPersistenceError("latest block", err)
	}

	if err := block.ValidateBlock(latest, s.evHandler); err != nil {
		return err
	}

	if err := s.authority.VerifyBlock(block); err != nil {
		return fmt.Errorf("verify block: %w", err)
	}

	if err := s.storage.PersistBlock(ctx, block); err != nil {
		return database.NewPersistenceError("persist block", err)
	}

	removed, err := s.storage.DeleteByHash(ctx, block.TxHashes()...)
	if err != nil {
		s.evHandler("state: ValidateProposedBlock: delete mempool: ERROR: %s", err)
	}

	pruned, err := s.storage.PruneConfirmed(ctx)
	if err != nil {
		s.evHandler("state: ValidateProposedBlock: prune mempool: ERROR: %s", err)
	}

	s.evHandler("state: ValidateProposedBlock: blk[%d]: removed[%d]: pruned[%d]", block.Header.Number, removed, pruned)

	s.refreshBalances(ctx, block.Trans)
	s.recordMempool(ctx)

	if s.Worker != nil {
		s.Worker.SignalPropose()
	}

	return nil
}

// =============================================================================

// refreshBalances recomputes the cached balance of every account touched by
// the transactions. A failure only leaves a stale cached value behind.
func (s *State) refreshBalances(ctx context.Context, trans []database.Tx) {
	accounts := make(map[database.AccountID]bool)
	for _, tx := range trans {
		accounts[tx.FromID.Canonical()] = true
		accounts[tx.ToID.Canonical()] = true
	}
	accounts[s.authority.AccountID()] = true

	for accountID := range accounts {
		ledger, err := s.storage.Ledger(ctx, accountID)
		if err != nil {
			s.evHandler("state: refreshBalances: account[%s]: ERROR: %s", accountID, err)
			continue
		}

		if err := s.storage.SetBalance(ctx, accountID, ledger.Derived()); err != nil {
			s.evHandler("state: refreshBalances: account[%s]: ERROR: %s", accountID, err)
		}
	}
}

func (s *State) recordMempool(ctx context.Context) {
	regular, raw, err := s.storage.CountPending(ctx)
	if err != nil {
		return
	}
	s.metrics.Mempool.Set(float64(regular + raw))
}

// SyncBlocks pulls the blocks this node is missing from the peer and applies
// them in order.
func (s *State) SyncBlocks(ctx context.Context, p peer.Peer) (int, error) {
	latest, err := s.storage.LatestBlock(ctx)
	if err != nil {
		return 0, database.NewPersistenceError("latest block", err)
	}

	blocks, err := s.client.RequestPeerBlocks(ctx, p, latest.Header.Number+1)
	if err != nil {
		return 0, err
	}

	s.evHandler("state: SyncBlocks: peer[%s]: found blocks[%d]", p.NodeID, len(blocks))

	for i, block := range blocks {
		if err := s.ProcessProposedBlock(ctx, block); err != nil {
			return i, err
		}
	}

	return len(blocks), nil
}
