package peer

import (
	"context"
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
)

// PeerSet represents the in-memory representation of the set of known peers.
type PeerSet struct {
	mu  sync.RWMutex
	set map[string]Peer
}

// NewPeerSet constructs a new set to manage node peer information.
func NewPeerSet() *PeerSet {
	return &PeerSet{
		set: make(map[string]Peer),
	}
}

// AddPeer adds a new node to the set. Existing peers are left untouched.
func (ps *PeerSet) AddPeer(ctx context.Context, p Peer) (bool, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if _, exists := ps.set[p.NodeID]; exists {
		return false, nil
	}

	p.Reputation = Clamp(p.Reputation)
	ps.set[p.NodeID] = p

	return true, nil
}

// RemovePeer removes a node from the set.
func (ps *PeerSet) RemovePeer(ctx context.Context, nodeID string) error {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	delete(ps.set, nodeID)
	return nil
}

// AdjustPeer applies the reputation delta and records the latency and the
// time the peer was seen.
func (ps *PeerSet) AdjustPeer(ctx context.Context, nodeID string, delta int, latency time.Duration, now time.Time) (Peer, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	p, exists := ps.set[nodeID]
	if !exists {
		return Peer{}, database.ErrNotFound
	}

	p.Reputation = Clamp(p.Reputation + delta)
	p.Latency = latency
	if delta > 0 {
		p.LastSeen = now
	}
	ps.set[nodeID] = p

	return p, nil
}

// QueryPeers returns a list of the known peers.
func (ps *PeerSet) QueryPeers(ctx context.Context) ([]Peer, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	peers := make([]Peer, 0, len(ps.set))
	for _, p := range ps.set {
		peers = append(peers, p)
	}

	return peers, nil
}
