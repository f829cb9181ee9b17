// Package memory implements the node storage in memory. Rows that carry a
// TTL are held in expiring caches.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/patrickmn/go-cache"
)

// totals are the confirmed amounts moved by an account.
type totals struct {
	in  uint64
	out uint64
	fee uint64
}

// Memory represents the in memory storage for the node. Every method holds
// the lock for the whole operation so each one is atomic.
type Memory struct {
	*peer.PeerSet

	mu        sync.RWMutex
	mempool   *mempool.Mempool
	blocks    []database.Block
	confirmed map[string]string
	totals    map[database.AccountID]*totals
	balances  map[database.AccountID]uint64
	edges     *cache.Cache
	tracking  *cache.Cache
}

// New constructs a memory store seeded with the genesis balances.
func New(gen genesis.Genesis, strategy string) (*Memory, error) {
	mp, err := mempool.NewWithStrategy(strategy)
	if err != nil {
		return nil, err
	}

	m := Memory{
		PeerSet:   peer.NewPeerSet(),
		mempool:   mp,
		blocks:    []database.Block{database.Genesis(gen.Date)},
		confirmed: make(map[string]string),
		totals:    make(map[database.AccountID]*totals),
		balances:  make(map[database.AccountID]uint64),
		edges:     cache.New(cache.NoExpiration, time.Minute),
		tracking:  cache.New(cache.NoExpiration, time.Minute),
	}

	for account, balance := range gen.Balances {
		accountID, err := database.ToAccountID(account)
		if err != nil {
			return nil, fmt.Errorf("genesis account %q: %w", account, err)
		}
		m.totalsFor(accountID).in += balance
		m.balances[accountID] = balance
	}

	return &m, nil
}

// Close in this implementation has nothing to do since everything
// is in memory.
func (m *Memory) Close() error {
	return nil
}

// =============================================================================
// Mempool

// Entries returns the active entries for the account and nonce.
func (m *Memory) Entries(ctx context.Context, from database.AccountID, nonce uint64) ([]database.MempoolEntry, error) {
	return m.mempool.Entries(from, nonce), nil
}

// ReplaceEntry removes the entries for the account and nonce of the new
// entry and inserts it.
func (m *Memory) ReplaceEntry(ctx context.Context, entry database.MempoolEntry) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.confirmed[entry.Tx.Key()]; exists {
		return 0, &database.ValidationError{Reason: database.ReasonNonceConfirmed}
	}

	return m.mempool.Replace(entry), nil
}

// CountPending returns the number of regular and raw pending entries.
func (m *Memory) CountPending(ctx context.Context) (regular int, raw int, err error) {
	regular, raw = m.mempool.CountByKind()
	return regular, raw, nil
}

// PickBest returns up to howMany entries in selection order.
func (m *Memory) PickBest(ctx context.Context, howMany int) ([]database.MempoolEntry, error) {
	return m.mempool.PickBest(howMany), nil
}

// QueryPending returns every pending entry in selection order.
func (m *Memory) QueryPending(ctx context.Context) ([]database.MempoolEntry, error) {
	return m.mempool.PickBest(-1), nil
}

// GetEntry returns the entry for the hash.
func (m *Memory) GetEntry(ctx context.Context, hash string) (database.MempoolEntry, error) {
	e, found := m.mempool.Get(hash)
	if !found {
		return database.MempoolEntry{}, database.ErrNotFound
	}
	return e, nil
}

// DeleteByHash removes the entries with the specified hashes.
func (m *Memory) DeleteByHash(ctx context.Context, hashes ...string) (int, error) {
	return m.mempool.DeleteByHash(hashes...), nil
}

// PruneConfirmed removes the pending entries whose nonce is already
// confirmed for their sender.
func (m *Memory) PruneConfirmed(ctx context.Context) (int, error) {
	m.mu.RLock()
	var keys []database.MempoolEntry
	for _, e := range m.mempool.PickBest(-1) {
		if _, exists := m.confirmed[e.Tx.Key()]; exists {
			keys = append(keys, e)
		}
	}
	m.mu.RUnlock()

	var removed int
	for _, e := range keys {
		removed += m.mempool.DeleteKey(e.Tx.FromID, e.Tx.Nonce)
	}

	return removed, nil
}

// =============================================================================
// Ledger

// IsNonceConfirmed reports whether the account and nonce is in a block.
func (m *Memory) IsNonceConfirmed(ctx context.Context, from database.AccountID, nonce uint64) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, exists := m.confirmed[database.MempoolKey(from, nonce)]
	return exists, nil
}

// Ledger returns the confirmed totals and the pending outgoing amount for
// the account.
func (m *Memory) Ledger(ctx context.Context, accountID database.AccountID) (database.Ledger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accountID = accountID.Canonical()

	var l database.Ledger
	if t, exists := m.totals[accountID]; exists {
		l.ConfirmedIn = t.in
		l.ConfirmedOut = t.out
		l.ConfirmedFee = t.fee
	}
	l.PendingOut = m.mempool.PendingOut(accountID)

	return l, nil
}

// SetBalance caches the derived balance for the account.
func (m *Memory) SetBalance(ctx context.Context, accountID database.AccountID, balance uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances[accountID.Canonical()] = balance
	return nil
}

// Balance returns the cached derived balance for the account.
func (m *Memory) Balance(ctx context.Context, accountID database.AccountID) (database.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	accountID = accountID.Canonical()

	balance, exists := m.balances[accountID]
	if !exists {
		return database.Balance{}, database.ErrNotFound
	}

	return database.Balance{AccountID: accountID, Balance: balance}, nil
}

// =============================================================================
// Blocks

// LatestBlock returns the current tip of the chain.
func (m *Memory) LatestBlock(ctx context.Context) (database.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.blocks[len(m.blocks)-1], nil
}

// GetBlock returns the block for the specified number.
func (m *Memory) GetBlock(ctx context.Context, num uint64) (database.Block, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if num >= uint64(len(m.blocks)) {
		return database.Block{}, database.ErrNotFound
	}

	return m.blocks[num], nil
}

// PersistBlock appends the block to the chain and confirms its transactions.
func (m *Memory) PersistBlock(ctx context.Context, block database.Block) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := uint64(len(m.blocks))
	if block.Header.Number != next {
		return fmt.Errorf("block is out of order, got %d, exp %d", block.Header.Number, next)
	}

	for _, tx := range block.Trans {
		if _, exists := m.confirmed[tx.Key()]; exists {
			return fmt.Errorf("nonce already confirmed: %s", tx)
		}
	}

	for _, tx := range block.Trans {
		m.confirmed[tx.Key()] = tx.Hash

		from := m.totalsFor(tx.FromID.Canonical())
		from.out += tx.Value
		from.fee += tx.Fee

		m.totalsFor(tx.ToID.Canonical()).in += tx.Value

		if block.Header.ProposerID != "" {
			m.totalsFor(block.Header.ProposerID.Canonical()).in += tx.Fee
		}
	}

	m.blocks = append(m.blocks, block)

	return nil
}

// totalsFor returns the totals for the account. The lock must be held.
func (m *Memory) totalsFor(accountID database.AccountID) *totals {
	t, exists := m.totals[accountID]
	if !exists {
		t = &totals{}
		m.totals[accountID] = t
	}
	return t
}

// =============================================================================
// Topology

// UpsertEdges inserts or replaces the edges. Each edge expires on its own.
func (m *Memory) UpsertEdges(ctx context.Context, edges []database.TopologyEdge) error {
	now := time.Now()

	for _, e := range edges {
		ttl := e.ExpiresAt.Sub(now)
		if ttl <= 0 {
			continue
		}
		m.edges.Set(e.Source+"|"+e.Target, e, ttl)
	}

	return nil
}

// QueryEdges returns the edges that have not expired.
func (m *Memory) QueryEdges(ctx context.Context, now time.Time) ([]database.TopologyEdge, error) {
	var edges []database.TopologyEdge
	for _, item := range m.edges.Items() {
		e := item.Object.(database.TopologyEdge)
		if !e.Expired(now) {
			edges = append(edges, e)
		}
	}

	sort.Slice(edges, func(i, j int) bool {
		if edges[i].Source != edges[j].Source {
			return edges[i].Source < edges[j].Source
		}
		return edges[i].Target < edges[j].Target
	})

	return edges, nil
}

// =============================================================================
// Broadcast tracking

func trackingKey(txHash string, source string) string {
	return database.NormalizeHash(txHash) + "|" + source
}

// UpsertTracking inserts or replaces the tracking record for its key.
func (m *Memory) UpsertTracking(ctx context.Context, rec database.TrackingRecord) error {
	ttl := time.Until(rec.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	m.tracking.Set(trackingKey(rec.TxHash, rec.SourceNode), rec, ttl)
	return nil
}

// GetTracking returns the unexpired tracking record for the key.
func (m *Memory) GetTracking(ctx context.Context, txHash string, source string, now time.Time) (database.TrackingRecord, error) {
	v, found := m.tracking.Get(trackingKey(txHash, source))
	if !found {
		return database.TrackingRecord{}, database.ErrNotFound
	}

	rec := v.(database.TrackingRecord)
	if rec.Expired(now) {
		return database.TrackingRecord{}, database.ErrNotFound
	}

	return rec, nil
}

// QueryTracking returns every unexpired tracking record for the transaction.
func (m *Memory) QueryTracking(ctx context.Context, txHash string, now time.Time) ([]database.TrackingRecord, error) {
	norm := database.NormalizeHash(txHash)

	var recs []database.TrackingRecord
	for _, item := range m.tracking.Items() {
		rec := item.Object.(database.TrackingRecord)
		if database.NormalizeHash(rec.TxHash) == norm && !rec.Expired(now) {
			recs = append(recs, rec)
		}
	}

	return recs, nil
}

// PurgeTracking removes the expired tracking records.
func (m *Memory) PurgeTracking(ctx context.Context, now time.Time) (int, error) {
	var purged int
	for key, item := range m.tracking.Items() {
		if item.Object.(database.TrackingRecord).Expired(now) {
			m.tracking.Delete(key)
			purged++
		}
	}

	m.tracking.DeleteExpired()
	m.edges.DeleteExpired()

	return purged, nil
}
