// Package keylock provides a per key critical section with a bounded wait.
// Admission uses it to serialize the work done for a single sender.
package keylock

import (
	"context"
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
)

// Locker represents the behavior required to serialize work by key.
type Locker interface {
	Lock(ctx context.Context, key string, wait time.Duration) (unlock func(), err error)
}

// entry is the lock for a single key. The channel has a capacity of one and
// holding the lock means a value is sitting in the channel.
type entry struct {
	ch   chan struct{}
	refs int
}

// Map is an in-process keyed mutex. Entries are removed once no goroutine
// holds or waits on the key.
type Map struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// New constructs an empty keyed mutex.
func New() *Map {
	return &Map{
		entries: make(map[string]*entry),
	}
}

// Lock waits up to the specified duration to acquire the lock for the key.
// ErrResourceBusy is returned if the lock could not be acquired in time. A
// wait of zero or less tries once.
func (m *Map) Lock(ctx context.Context, key string, wait time.Duration) (func(), error) {
	e := m.acquire(key)

	if err := m.wait(ctx, e, wait); err != nil {
		m.release(key)
		return nil, err
	}

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			<-e.ch
			m.release(key)
		})
	}

	return unlock, nil
}

// wait takes the lock of the entry. A free lock is always taken, even when
// the wait has already run out.
func (m *Map) wait(ctx context.Context, e *entry, wait time.Duration) error {
	select {
	case e.ch <- struct{}{}:
		return nil
	default:
	}

	if wait <= 0 {
		return database.ErrResourceBusy
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-timer.C:
		return database.ErrResourceBusy
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.entries)
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[key]
	if !exists {
		e = &entry{ch: make(chan struct{}, 1)}
		m.entries[key] = e
	}
	e.refs++

	return e
}

func (m *Map) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, exists := m.entries[key]
	if !exists {
		return
	}

	e.refs--
	if e.refs == 0 {
		delete(m.entries, key)
	}
}
