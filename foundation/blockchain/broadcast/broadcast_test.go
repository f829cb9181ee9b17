package broadcast_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/admission"
	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/storage/memory"
	"github.com/ardanlabs/txrelay/foundation/blockchain/topology"
	"github.com/stretchr/testify/require"
)

const (
	fromID = database.AccountID("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	toID   = database.AccountID("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
)

// node is one member of an in process network.
type node struct {
	id    string
	store *memory.Memory
	dir   *peer.Directory
	coord *broadcast.Coordinator
}

// network routes pushes and topology queries between in process nodes.
type network struct {
	mu    sync.Mutex
	nodes map[string]*node
	down  map[string]bool
	calls map[string]int
}

func newNetwork() *network {
	return &network{
		nodes: make(map[string]*node),
		down:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (n *network) lookup(id string) (*node, bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls[id]++

	nd, exists := n.nodes[id]
	if !exists {
		return nil, false, fmt.Errorf("unknown node %s", id)
	}
	return nd, n.down[id], nil
}

func (n *network) callCount(id string) int {
	n.mu.Lock()
	defer n.mu.Unlock()

	return n.calls[id]
}

func (n *network) SendTx(ctx context.Context, p peer.Peer, push broadcast.Push) error {
	nd, down, err := n.lookup(p.NodeID)
	if err != nil {
		return err
	}
	if down {
		return errors.New("connection refused")
	}

	res, err := nd.coord.Receive(ctx, push)
	if err != nil {
		return err
	}

	if res.Relay != nil {
		if _, err := nd.coord.Relay(ctx, *res.Relay); err != nil {
			return err
		}
	}

	return nil
}

func (n *network) QueryTopology(ctx context.Context, p peer.Peer) ([]database.TopologyEdge, error) {
	n.mu.Lock()
	nd, exists := n.nodes[p.NodeID]
	down := n.down[p.NodeID]
	n.mu.Unlock()

	if !exists || down {
		return nil, errors.New("connection refused")
	}

	return nd.coord.Topology().Adjacency(ctx)
}

func (n *network) add(t *testing.T, id string, mod func(cfg *broadcast.Config)) *node {
	store, err := memory.New(genesis.Genesis{Date: time.Now()}, selector.StrategyPriority)
	require.NoError(t, err)

	dir := peer.NewDirectory(id, store)

	topo := topology.New(topology.Config{
		Directory:    dir,
		Storer:       store,
		Querier:      n,
		TTL:          time.Minute,
		QueryTimeout: time.Second,
	})

	ctrl := admission.New(admission.Config{
		Storer:       store,
		LockWait:     time.Second,
		StoreTimeout: time.Second,
	})

	cfg := broadcast.Config{
		Directory:     dir,
		Topology:      topo,
		Storer:        store,
		Sender:        n,
		Admitter:      ctrl,
		RetryAttempts: 3,
		RetryInterval: time.Millisecond,
		PushTimeout:   time.Second,
	}
	if mod != nil {
		mod(&cfg)
	}

	nd := node{
		id:    id,
		store: store,
		dir:   dir,
		coord: broadcast.New(cfg),
	}

	n.mu.Lock()
	n.nodes[id] = &nd
	n.mu.Unlock()

	return &nd
}

func connect(t *testing.T, a *node, b *node) {
	_, err := a.dir.Add(context.Background(), b.id)
	require.NoError(t, err)
	_, err = b.dir.Add(context.Background(), a.id)
	require.NoError(t, err)
}

func newTx(nonce uint64) database.Tx {
	tx := database.Tx{
		FromID:    fromID,
		ToID:      toID,
		Value:     100,
		Fee:       1,
		Nonce:     nonce,
		GasPrice:  10,
		Kind:      database.KindRegular,
		CreatedAt: time.Now().UTC(),
	}
	tx.EnsureHash()
	return tx
}

func newPush(tx database.Tx, source string, hop int, path ...string) broadcast.Push {
	return broadcast.Push{
		Tx:         tx,
		SourceNode: source,
		Timestamp:  time.Now().UTC(),
		HopCount:   hop,
		Instructions: broadcast.Instructions{
			Path:    path,
			MaxHops: broadcast.DefaultMaxHops,
		},
	}
}

func pendingCount(t *testing.T, nd *node) int {
	regular, raw, err := nd.store.CountPending(context.Background())
	require.NoError(t, err)
	return regular + raw
}

// =============================================================================

func TestRelayChain(t *testing.T) {
	net := newNetwork()
	n1 := net.add(t, "node1:9080", nil)
	n2 := net.add(t, "node2:9080", nil)
	n3 := net.add(t, "node3:9080", nil)

	connect(t, n1, n2)
	connect(t, n2, n3)

	tx := newTx(1)
	_, err := n1.store.ReplaceEntry(context.Background(), database.NewMempoolEntry(tx, time.Now()))
	require.NoError(t, err)

	res, err := n1.coord.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Contacted)
	require.Equal(t, 1, res.Successful)
	require.Equal(t, []string{n2.id}, res.Coverage)
	require.Equal(t, 1.0, res.SuccessRate)

	for _, nd := range []*node{n1, n2, n3} {
		require.Equal(t, 1, pendingCount(t, nd), "node %s should hold the transaction", nd.id)
	}

	rec, err := n3.store.GetTracking(context.Background(), tx.Hash, n2.id, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, rec.HopCount)
	require.Equal(t, []string{n1.id, n2.id}, rec.Path)

	require.Equal(t, 0, net.callCount(n1.id), "the origin must never be pushed back to")
}

func TestHopLimitStopsRelay(t *testing.T) {
	net := newNetwork()
	mod := func(cfg *broadcast.Config) { cfg.MaxHops = 2 }

	n1 := net.add(t, "node1:9080", mod)
	n2 := net.add(t, "node2:9080", mod)
	n3 := net.add(t, "node3:9080", mod)
	n4 := net.add(t, "node4:9080", mod)

	connect(t, n1, n2)
	connect(t, n2, n3)
	connect(t, n3, n4)

	_, err := n1.coord.Broadcast(context.Background(), newTx(1))
	require.NoError(t, err)

	require.Equal(t, 1, pendingCount(t, n2))
	require.Equal(t, 1, pendingCount(t, n3))
	require.Equal(t, 0, pendingCount(t, n4), "the last hop must not relay")
}

func TestReceiveOutcomes(t *testing.T) {
	net := newNetwork()
	n2 := net.add(t, "node2:9080", nil)
	ctx := context.Background()

	t.Run("hop limit", func(t *testing.T) {
		res, err := n2.coord.Receive(ctx, newPush(newTx(1), "node1:9080", 3, "node1:9080"))
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusHopLimitExceeded, res.Status)
		require.ErrorIs(t, res.Err(), database.ErrHopLimitExceeded)
		require.Nil(t, res.Relay)
	})

	t.Run("instruction hop limit below config", func(t *testing.T) {
		push := newPush(newTx(1), "node1:9080", 1, "node1:9080")
		push.Instructions.MaxHops = 1

		res, err := n2.coord.Receive(ctx, push)
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusHopLimitExceeded, res.Status)
	})

	t.Run("loop", func(t *testing.T) {
		res, err := n2.coord.Receive(ctx, newPush(newTx(1), "node3:9080", 1, "node1:9080", n2.id, "node3:9080"))
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusLoopDetected, res.Status)
		require.ErrorIs(t, res.Err(), database.ErrLoopDetected)
	})

	t.Run("stale", func(t *testing.T) {
		tx := newTx(2)
		tx.CreatedAt = time.Now().Add(-time.Hour)

		res, err := n2.coord.Receive(ctx, newPush(tx, "node1:9080", 0, "node1:9080"))
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusStale, res.Status)
	})

	require.Equal(t, 0, pendingCount(t, n2), "no outcome so far may touch the mempool")

	t.Run("accepted then duplicate source", func(t *testing.T) {
		push := newPush(newTx(3), "node1:9080", 0, "node1:9080")

		res, err := n2.coord.Receive(ctx, push)
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusAccepted, res.Status)
		require.Equal(t, admission.StatusAdded, res.Admission.Status)
		require.NotNil(t, res.Relay)
		require.Equal(t, 1, res.Relay.HopCount)
		require.Equal(t, []string{"node1:9080"}, res.Relay.Path)

		res, err = n2.coord.Receive(ctx, push)
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusDuplicateSource, res.Status)

		other := push
		other.SourceNode = "node5:9080"
		other.Instructions.Path = []string{"node5:9080"}

		res, err = n2.coord.Receive(ctx, other)
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusAccepted, res.Status, "a new source is tracked on its own")
		require.Equal(t, admission.StatusDuplicate, res.Admission.Status)
	})

	t.Run("rejected by admission", func(t *testing.T) {
		low := newTx(3)
		low.GasPrice = 1
		low.EnsureHash()

		res, err := n2.coord.Receive(ctx, newPush(low, "node6:9080", 0, "node6:9080"))
		require.NoError(t, err)
		require.Equal(t, broadcast.StatusRejected, res.Status)
		require.Equal(t, database.ReasonInsufficientGasPrice, res.Admission.Reason)
		require.Nil(t, res.Relay)
	})
}

func TestPartialFailure(t *testing.T) {
	net := newNetwork()
	n1 := net.add(t, "node1:9080", func(cfg *broadcast.Config) { cfg.MinSuccessRate = 0.8 })
	good := net.add(t, "good:9080", nil)
	bad := net.add(t, "bad:9080", nil)

	connect(t, n1, good)
	connect(t, n1, bad)

	net.mu.Lock()
	net.down[bad.id] = true
	net.mu.Unlock()

	res, err := n1.coord.Broadcast(context.Background(), newTx(1))
	require.NoError(t, err)
	require.Equal(t, 2, res.Contacted)
	require.Equal(t, 1, res.Successful)
	require.Equal(t, 1, res.Failed)
	require.Equal(t, 0.5, res.SuccessRate)
	require.True(t, res.BelowMinimum)
	require.Equal(t, []string{good.id}, res.Coverage)

	require.Equal(t, 3, net.callCount(bad.id), "every attempt must be made")

	peers, err := n1.dir.All(context.Background())
	require.NoError(t, err)

	rep := make(map[string]int)
	for _, p := range peers {
		rep[p.NodeID] = p.Reputation
	}
	require.Equal(t, peer.InitialReputation+peer.SuccessDelta, rep[good.id])
	require.Equal(t, peer.InitialReputation+peer.FailureDelta, rep[bad.id])
}

func TestCoverageStopsRepush(t *testing.T) {
	net := newNetwork()
	n1 := net.add(t, "node1:9080", nil)
	n2 := net.add(t, "node2:9080", nil)
	n3 := net.add(t, "node3:9080", nil)

	connect(t, n1, n2)
	connect(t, n1, n3)

	tx := newTx(1)

	res, err := n1.coord.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Successful)

	before := net.callCount(n2.id) + net.callCount(n3.id)

	res, err = n1.coord.Broadcast(context.Background(), tx)
	require.NoError(t, err)
	require.Equal(t, 0, res.Contacted)
	require.Equal(t, 1.0, res.SuccessRate)

	require.Equal(t, before, net.callCount(n2.id)+net.callCount(n3.id))
}

func TestNoPeers(t *testing.T) {
	net := newNetwork()
	n1 := net.add(t, "node1:9080", nil)

	res, err := n1.coord.Broadcast(context.Background(), newTx(1))
	require.NoError(t, err)
	require.Equal(t, 0, res.Contacted)
	require.False(t, res.BelowMinimum)
}

func TestFailedRoundLeavesNoRecord(t *testing.T) {
	net := newNetwork()
	n1 := net.add(t, "node1:9080", nil)
	n2 := net.add(t, "node2:9080", nil)

	connect(t, n1, n2)

	net.mu.Lock()
	net.down[n2.id] = true
	net.mu.Unlock()

	ctx := context.Background()
	tx := newTx(1)

	res, err := n1.coord.Broadcast(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Contacted)
	require.Equal(t, 0, res.Successful)

	recs, err := n1.store.QueryTracking(ctx, tx.Hash, time.Now())
	require.NoError(t, err)
	require.Empty(t, recs, "a round that reached nobody must stay eligible for another round")

	net.mu.Lock()
	net.down[n2.id] = false
	net.mu.Unlock()

	res, err = n1.coord.Broadcast(ctx, tx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Successful)
	require.Equal(t, 1, pendingCount(t, n2))

	recs, err = n1.store.QueryTracking(ctx, tx.Hash, time.Now())
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, []string{n2.id}, recs[0].Covered)
}
