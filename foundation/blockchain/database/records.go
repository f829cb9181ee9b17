package database

import (
	"slices"
	"time"
)

// MempoolEntry is a pending transaction competing for its sender and nonce
// slot. Only one entry is active per slot.
type MempoolEntry struct {
	Tx         Tx        `json:"tx"`
	Priority   uint64    `json:"priority_score"`
	InsertedAt time.Time `json:"inserted_at"`
}

// NewMempoolEntry constructs an entry whose priority follows the gas price.
func NewMempoolEntry(tx Tx, now time.Time) MempoolEntry {
	return MempoolEntry{
		Tx:         tx,
		Priority:   tx.GasPrice,
		InsertedAt: now,
	}
}

// =============================================================================

// Set of topology edge types.
const (
	EdgeDirect   = "direct"
	EdgeReported = "reported"
)

// TopologyEdge records that a node can reach another node.
type TopologyEdge struct {
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Strength  float64   `json:"strength"`
	Type      string    `json:"type"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the edge should be treated as absent.
func (e TopologyEdge) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// =============================================================================

// TrackingRecord remembers that a transaction pushed by a source node was
// handled by this node, and which nodes it was pushed to from here.
type TrackingRecord struct {
	TxHash      string    `json:"tx_hash"`
	SourceNode  string    `json:"source_node"`
	CurrentNode string    `json:"current_node"`
	HopCount    int       `json:"hop_count"`
	Path        []string  `json:"path"`
	Covered     []string  `json:"covered"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Expired reports whether the record should be treated as absent.
func (tr TrackingRecord) Expired(now time.Time) bool {
	return !now.Before(tr.ExpiresAt)
}

// Reached returns the set of nodes the transaction is known to have reached.
func (tr TrackingRecord) Reached() []string {
	nodes := make([]string, 0, len(tr.Path)+len(tr.Covered)+1)
	nodes = append(nodes, tr.Path...)
	nodes = append(nodes, tr.Covered...)
	if tr.SourceNode != "" {
		nodes = append(nodes, tr.SourceNode)
	}

	slices.Sort(nodes)
	return slices.Compact(nodes)
}
