// Package peer maintains the peer related information such as the set
// of known peers, their reputation and their status.
package peer

import (
	"time"
)

// Reputation bounds and adjustments.
const (
	InitialReputation = 50
	MaxReputation     = 100
	MinReputation     = 0
	SuccessDelta      = 1
	FailureDelta      = -5
)

// Peer represents information about a Node in the network. The node id of a
// peer is the host it is reachable on.
type Peer struct {
	NodeID     string        `json:"node_id"`
	Host       string        `json:"host"`
	Reputation int           `json:"reputation"`
	Latency    time.Duration `json:"latency"`
	LastSeen   time.Time     `json:"last_seen"`
}

// New contructs a new peer with the initial reputation.
func New(host string) Peer {
	return Peer{
		NodeID:     host,
		Host:       host,
		Reputation: InitialReputation,
	}
}

// Match validates if the specified host matches this node.
func (p Peer) Match(host string) bool {
	return p.Host == host
}

// Active reports whether the peer should be considered for pushes.
func (p Peer) Active() bool {
	return p.Reputation > MinReputation
}

// Clamp keeps the reputation within the allowed bounds.
func Clamp(reputation int) int {
	switch {
	case reputation > MaxReputation:
		return MaxReputation
	case reputation < MinReputation:
		return MinReputation
	}
	return reputation
}

// =============================================================================

// PeerStatus represents information about the status
// of any given peer.
type PeerStatus struct {
	NodeID            string `json:"node_id"`
	LatestBlockHash   string `json:"latest_block_hash"`
	LatestBlockNumber uint64 `json:"latest_block_number"`
	KnownPeers        []Peer `json:"known_peers"`
}
