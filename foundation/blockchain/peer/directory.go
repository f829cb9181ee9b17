package peer

import (
	"context"
	"fmt"
	"sort"
	"time"
)

// Storer represents the behavior required to persist peers. Every method is
// a single atomic operation.
type Storer interface {
	AddPeer(ctx context.Context, p Peer) (bool, error)
	RemovePeer(ctx context.Context, nodeID string) error
	AdjustPeer(ctx context.Context, nodeID string, delta int, latency time.Duration, now time.Time) (Peer, error)
	QueryPeers(ctx context.Context) ([]Peer, error)
}

// Directory tracks the known peers of this node and their reputation.
type Directory struct {
	self    string
	storer  Storer
	nowFunc func() time.Time
}

// NewDirectory constructs a directory for the node identified by self.
func NewDirectory(self string, storer Storer) *Directory {
	return &Directory{
		self:    self,
		storer:  storer,
		nowFunc: time.Now,
	}
}

// Self returns the node id of this node.
func (d *Directory) Self() string {
	return d.self
}

// Add adds the host as a peer. It returns true when the peer is new. This
// node is never added as its own peer.
func (d *Directory) Add(ctx context.Context, host string) (bool, error) {
	if host == "" || host == d.self {
		return false, nil
	}

	added, err := d.storer.AddPeer(ctx, New(host))
	if err != nil {
		return false, fmt.Errorf("add peer %s: %w", host, err)
	}

	return added, nil
}

// Remove removes the peer.
func (d *Directory) Remove(ctx context.Context, nodeID string) error {
	if err := d.storer.RemovePeer(ctx, nodeID); err != nil {
		return fmt.Errorf("remove peer %s: %w", nodeID, err)
	}
	return nil
}

// All returns every known peer sorted by node id.
func (d *Directory) All(ctx context.Context) ([]Peer, error) {
	peers, err := d.storer.QueryPeers(ctx)
	if err != nil {
		return nil, fmt.Errorf("query peers: %w", err)
	}

	var all []Peer
	for _, p := range peers {
		if p.NodeID != d.self {
			all = append(all, p)
		}
	}

	sort.Slice(all, func(i, j int) bool { return all[i].NodeID < all[j].NodeID })

	return all, nil
}

// Active returns the peers that can currently be pushed to.
func (d *Directory) Active(ctx context.Context) ([]Peer, error) {
	all, err := d.All(ctx)
	if err != nil {
		return nil, err
	}

	var active []Peer
	for _, p := range all {
		if p.Active() {
			active = append(active, p)
		}
	}

	return active, nil
}

// RecordSuccess raises the reputation of the peer after a successful call.
func (d *Directory) RecordSuccess(ctx context.Context, nodeID string, latency time.Duration) (Peer, error) {
	return d.storer.AdjustPeer(ctx, nodeID, SuccessDelta, latency, d.nowFunc())
}

// RecordFailure lowers the reputation of the peer after a failed call.
func (d *Directory) RecordFailure(ctx context.Context, nodeID string, latency time.Duration) (Peer, error) {
	return d.storer.AdjustPeer(ctx, nodeID, FailureDelta, latency, d.nowFunc())
}
