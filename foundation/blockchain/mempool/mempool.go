// Package mempool maintains the mempool for the blockchain.
package mempool

import (
	"sync"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool/selector"
)

// Mempool represents a cache of pending entries organized by account:nonce
// with a second index on the normalized transaction hash.
type Mempool struct {
	pool     map[string][]database.MempoolEntry
	hashes   map[string]string
	mu       sync.RWMutex
	selectFn selector.Func
}

// New constructs a new mempool using the default select strategy.
func New() (*Mempool, error) {
	return NewWithStrategy(selector.StrategyPriority)
}

// NewWithStrategy constructs a new mempool with specified select strategy.
func NewWithStrategy(strategy string) (*Mempool, error) {
	selectFn, err := selector.Retrieve(strategy)
	if err != nil {
		return nil, err
	}

	mp := Mempool{
		pool:     make(map[string][]database.MempoolEntry),
		hashes:   make(map[string]string),
		selectFn: selectFn,
	}

	return &mp, nil
}

// Count returns the current number of entries in the pool.
func (mp *Mempool) Count() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	return len(mp.hashes)
}

// CountByKind returns the number of regular and raw entries in the pool.
func (mp *Mempool) CountByKind() (regular int, raw int) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	for _, entries := range mp.pool {
		for _, e := range entries {
			switch e.Tx.Kind {
			case database.KindRaw:
				raw++
			default:
				regular++
			}
		}
	}

	return regular, raw
}

// Entries returns the active entries for the account and nonce.
func (mp *Mempool) Entries(from database.AccountID, nonce uint64) []database.MempoolEntry {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	entries := mp.pool[database.MempoolKey(from, nonce)]

	cpy := make([]database.MempoolEntry, len(entries))
	copy(cpy, entries)

	return cpy
}

// Replace removes every entry for the account and nonce of the new entry and
// inserts the new entry in one step. It returns the number of entries removed.
func (mp *Mempool) Replace(entry database.MempoolEntry) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	key := entry.Tx.Key()

	removed := len(mp.pool[key])
	for _, e := range mp.pool[key] {
		delete(mp.hashes, database.NormalizeHash(e.Tx.Hash))
	}

	mp.pool[key] = []database.MempoolEntry{entry}
	mp.hashes[database.NormalizeHash(entry.Tx.Hash)] = key

	return removed
}

// Get returns the entry for the specified hash in either of its forms.
func (mp *Mempool) Get(hash string) (database.MempoolEntry, bool) {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	norm := database.NormalizeHash(hash)

	key, exists := mp.hashes[norm]
	if !exists {
		return database.MempoolEntry{}, false
	}

	for _, e := range mp.pool[key] {
		if database.NormalizeHash(e.Tx.Hash) == norm {
			return e, true
		}
	}

	return database.MempoolEntry{}, false
}

// DeleteByHash removes the entries with the specified hashes. Hashes match
// with or without the 0x prefix. It returns the number of entries removed.
func (mp *Mempool) DeleteByHash(hashes ...string) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	var removed int
	for _, hash := range hashes {
		norm := database.NormalizeHash(hash)

		key, exists := mp.hashes[norm]
		if !exists {
			continue
		}
		delete(mp.hashes, norm)

		entries := mp.pool[key]
		for i, e := range entries {
			if database.NormalizeHash(e.Tx.Hash) == norm {
				entries = append(entries[:i], entries[i+1:]...)
				removed++
				break
			}
		}

		if len(entries) == 0 {
			delete(mp.pool, key)
			continue
		}
		mp.pool[key] = entries
	}

	return removed
}

// DeleteKey removes every entry for the account and nonce.
func (mp *Mempool) DeleteKey(from database.AccountID, nonce uint64) int {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	key := database.MempoolKey(from, nonce)

	entries := mp.pool[key]
	for _, e := range entries {
		delete(mp.hashes, database.NormalizeHash(e.Tx.Hash))
	}
	delete(mp.pool, key)

	return len(entries)
}

// PendingOut returns the value plus fee of every entry sent by the account.
func (mp *Mempool) PendingOut(from database.AccountID) uint64 {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	from = from.Canonical()

	var total uint64
	for _, entries := range mp.pool {
		for _, e := range entries {
			if e.Tx.FromID.Canonical() == from {
				total += e.Tx.Cost()
			}
		}
	}

	return total
}

// Truncate clears all the entries from the pool.
func (mp *Mempool) Truncate() {
	mp.mu.Lock()
	defer mp.mu.Unlock()

	mp.pool = make(map[string][]database.MempoolEntry)
	mp.hashes = make(map[string]string)
}

// PickBest uses the configured select strategy to return the next set
// of entries for the next block. Pass -1 for all the entries.
func (mp *Mempool) PickBest(howMany int) []database.MempoolEntry {

	// Group the entries by account.
	m := make(map[database.AccountID][]database.MempoolEntry)
	mp.mu.RLock()
	{
		for _, entries := range mp.pool {
			for _, e := range entries {
				from := e.Tx.FromID.Canonical()
				m[from] = append(m[from], e)
			}
		}
	}
	mp.mu.RUnlock()

	return mp.selectFn(m, howMany)
}
