// Package broadcast disseminates transactions to peers with a bounded fan out
// and guards the receiving side against loops, runaway hops and duplicates.
package broadcast

import (
	"context"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/admission"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/topology"
)

// Default values for the protocol settings.
const (
	DefaultMaxHops     = 3
	DefaultTrackingTTL = time.Hour
	DefaultStaleWindow = 5 * time.Minute
)

// Storer represents the behavior required to persist tracking records.
type Storer interface {
	UpsertTracking(ctx context.Context, rec database.TrackingRecord) error
	GetTracking(ctx context.Context, txHash string, source string, now time.Time) (database.TrackingRecord, error)
	QueryTracking(ctx context.Context, txHash string, now time.Time) ([]database.TrackingRecord, error)
}

// Sender represents the behavior required to push a transaction to a peer.
// Returning a backoff.Permanent error stops the retries for that peer.
type Sender interface {
	SendTx(ctx context.Context, p peer.Peer, push Push) error
}

// Admitter represents the behavior required to admit a received transaction.
type Admitter interface {
	Admit(ctx context.Context, tx database.Tx) (admission.Result, error)
}

// EventHandler defines a function that is called when events
// occur in the processing of broadcasts.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to construct a coordinator.
type Config struct {
	Directory      *peer.Directory
	Topology       *topology.Cache
	Storer         Storer
	Sender         Sender
	Admitter       Admitter
	BatchSize      int
	MaxConnections int
	Concurrency    int
	RetryAttempts  int
	RetryInterval  time.Duration
	PushTimeout    time.Duration
	MaxHops        int
	TrackingTTL    time.Duration
	StaleWindow    time.Duration
	MinSuccessRate float64
	BloomCapacity  uint
	SharedStore    bool // Other processes write tracking records to the store.
	EvHandler      EventHandler
}

// =============================================================================

// Instructions travel with a push and tell the receiver how far the
// transaction has come and where it may go next.
type Instructions struct {
	Path    []string `json:"broadcast_chain"`
	MaxHops int      `json:"max_hops"`
	Hint    []string `json:"fanout_hint,omitempty"`
}

// Push is what one node sends another node to relay a transaction.
type Push struct {
	Tx           database.Tx  `json:"tx"`
	SourceNode   string       `json:"source_node"`
	Timestamp    time.Time    `json:"timestamp"`
	HopCount     int          `json:"hop_count"`
	Instructions Instructions `json:"broadcast_instructions"`
}

// Result summarizes a broadcast round.
type Result struct {
	Contacted    int      `json:"nodes_contacted"`
	Successful   int      `json:"successful"`
	Failed       int      `json:"failed"`
	Coverage     []string `json:"coverage"`
	SuccessRate  float64  `json:"success_rate"`
	BelowMinimum bool     `json:"below_minimum"`
}

// Set of receive statuses. The protocol outcomes reuse the text of the
// database sentinel errors.
var (
	StatusAccepted         = "accepted"
	StatusRejected         = "rejected"
	StatusHopLimitExceeded = database.ErrHopLimitExceeded.Error()
	StatusLoopDetected     = database.ErrLoopDetected.Error()
	StatusDuplicateSource  = database.ErrDuplicateSource.Error()
	StatusStale            = database.ErrStaleTransaction.Error()
)

// RelayRequest asks the node to continue the broadcast of a received
// transaction.
type RelayRequest struct {
	Tx       database.Tx
	HopCount int
	Path     []string
	Hint     []string
}

// ReceiveResult is the outcome of handling a push from a peer. Every status
// is a successful outcome of the protocol.
type ReceiveResult struct {
	Status    string           `json:"status"`
	Admission admission.Result `json:"admission"`
	Relay     *RelayRequest    `json:"-"`
}

// Err returns the sentinel error for the protocol outcome, if any.
func (rr ReceiveResult) Err() error {
	switch rr.Status {
	case StatusHopLimitExceeded:
		return database.ErrHopLimitExceeded
	case StatusLoopDetected:
		return database.ErrLoopDetected
	case StatusDuplicateSource:
		return database.ErrDuplicateSource
	case StatusStale:
		return database.ErrStaleTransaction
	}
	return nil
}

// =============================================================================

// Coordinator runs broadcast rounds and handles received pushes.
type Coordinator struct {
	dir            *peer.Directory
	topo           *topology.Cache
	storer         Storer
	sender         Sender
	admitter       Admitter
	batchSize      int
	maxConnections int
	concurrency    int
	retryAttempts  int
	retryInterval  time.Duration
	pushTimeout    time.Duration
	maxHops        int
	trackingTTL    time.Duration
	staleWindow    time.Duration
	minSuccessRate float64
	seen           *seenFilter
	evHandler      EventHandler
	nowFunc        func() time.Time
}

// New constructs a coordinator.
func New(cfg Config) *Coordinator {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	c := Coordinator{
		dir:            cfg.Directory,
		topo:           cfg.Topology,
		storer:         cfg.Storer,
		sender:         cfg.Sender,
		admitter:       cfg.Admitter,
		batchSize:      orDefault(cfg.BatchSize, 8),
		maxConnections: orDefault(cfg.MaxConnections, 8),
		concurrency:    orDefault(cfg.Concurrency, 8),
		retryAttempts:  orDefault(cfg.RetryAttempts, 3),
		retryInterval:  cfg.RetryInterval,
		pushTimeout:    cfg.PushTimeout,
		maxHops:        orDefault(cfg.MaxHops, DefaultMaxHops),
		trackingTTL:    cfg.TrackingTTL,
		staleWindow:    cfg.StaleWindow,
		minSuccessRate: cfg.MinSuccessRate,
		evHandler:      ev,
		nowFunc:        time.Now,
	}

	if c.trackingTTL <= 0 {
		c.trackingTTL = DefaultTrackingTTL
	}
	if c.staleWindow <= 0 {
		c.staleWindow = DefaultStaleWindow
	}
	if c.retryInterval <= 0 {
		c.retryInterval = 100 * time.Millisecond
	}
	if c.pushTimeout <= 0 {
		c.pushTimeout = 5 * time.Second
	}

	c.seen = newSeenFilter(cfg.BloomCapacity, c.trackingTTL, c.nowFunc())
	if cfg.SharedStore {
		c.seen.disabled = true
	}

	return &c
}

// Self returns the node id of this node.
func (c *Coordinator) Self() string {
	return c.dir.Self()
}

// Topology returns the topology cache used to pick targets.
func (c *Coordinator) Topology() *topology.Cache {
	return c.topo
}

func orDefault(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
