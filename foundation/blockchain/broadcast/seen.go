package broadcast

import (
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/bits-and-blooms/bloom/v3"
)

// seenFilter remembers which transaction and source pairs were tracked by
// this process so most first time pushes skip the tracking lookup. Two
// generations are kept and rotated every ttl, which keeps every pair added
// during the life of its tracking record.
//
// Records written by an earlier process are unknown to the filter, so until
// one ttl has passed since start every push is looked up. Records written by
// another process sharing the store are never known to it, so the filter is
// disabled for a shared store.
type seenFilter struct {
	mu       sync.Mutex
	disabled bool
	capacity uint
	ttl      time.Duration
	started  time.Time
	rotated  time.Time
	current  *bloom.BloomFilter
	previous *bloom.BloomFilter
}

func newSeenFilter(capacity uint, ttl time.Duration, now time.Time) *seenFilter {
	if capacity == 0 {
		capacity = 100_000
	}

	return &seenFilter{
		capacity: capacity,
		ttl:      ttl,
		started:  now,
		rotated:  now,
		current:  bloom.NewWithEstimates(capacity, 0.001),
		previous: bloom.NewWithEstimates(capacity, 0.001),
	}
}

func seenKey(txHash string, source string) string {
	return database.NormalizeHash(txHash) + "|" + source
}

// add records the pair.
func (sf *seenFilter) add(txHash string, source string, now time.Time) {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.disabled {
		return
	}

	sf.rotate(now)
	sf.current.AddString(seenKey(txHash, source))
}

// maybe reports whether the pair may have been tracked. False means it was
// definitely not.
func (sf *seenFilter) maybe(txHash string, source string, now time.Time) bool {
	sf.mu.Lock()
	defer sf.mu.Unlock()

	if sf.disabled || now.Sub(sf.started) < sf.ttl {
		return true
	}

	sf.rotate(now)

	key := seenKey(txHash, source)
	return sf.current.TestString(key) || sf.previous.TestString(key)
}

func (sf *seenFilter) rotate(now time.Time) {
	elapsed := now.Sub(sf.rotated)
	if elapsed < sf.ttl {
		return
	}

	sf.previous = sf.current
	sf.current = bloom.NewWithEstimates(sf.capacity, 0.001)
	sf.rotated = now

	// After a long idle period both generations are out of date.
	if elapsed >= 2*sf.ttl {
		sf.previous = bloom.NewWithEstimates(sf.capacity, 0.001)
	}
}
