// Package proposer drains the mempool into blocks once the pending backlog
// crosses the configured thresholds.
package proposer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
)

// Default thresholds for triggering a proposal.
const (
	DefaultMinRegular  = 5
	DefaultMinTotal    = 10
	DefaultMaxPerBlock = 100
)

// ErrProposalInProgress is returned when another proposal is running.
var ErrProposalInProgress = errors.New("proposal in progress")

// Storer represents the behavior required from the store to propose blocks.
type Storer interface {
	CountPending(ctx context.Context) (regular int, raw int, err error)
	PruneConfirmed(ctx context.Context) (int, error)
	PickBest(ctx context.Context, howMany int) ([]database.MempoolEntry, error)
	LatestBlock(ctx context.Context) (database.Block, error)
	PersistBlock(ctx context.Context, block database.Block) error
	DeleteByHash(ctx context.Context, hashes ...string) (int, error)
}

// Consensus represents the collaborator that assembles and signs blocks.
type Consensus interface {
	AssembleAndSign(ctx context.Context, height uint64, parentHash string, trans []database.Tx) (database.Block, error)
}

// Notifier represents the behavior required to tell peers about a new tip.
type Notifier interface {
	NotifyBlock(ctx context.Context, block database.Block) error
}

// EventHandler defines a function that is called when events
// occur in the processing of proposals.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to construct a proposer.
type Config struct {
	Storer        Storer
	Consensus     Consensus
	Notifier      Notifier
	MinRegular    int
	MinTotal      int
	MaxPerBlock   int
	StoreTimeout  time.Duration
	NotifyTimeout time.Duration
	EvHandler     EventHandler
}

// Result describes the outcome of a proposal check.
type Result struct {
	Mined      bool            `json:"mined"`
	Block      *database.Block `json:"block,omitempty"`
	Reason     string          `json:"reason"`
	Regular    int             `json:"regular"`
	Raw        int             `json:"raw"`
	MinRegular int             `json:"min_regular"`
	MinTotal   int             `json:"min_total"`
	Removed    int             `json:"removed"`
}

// Proposer decides when to build a block and builds it.
type Proposer struct {
	storer        Storer
	consensus     Consensus
	notifier      Notifier
	minRegular    int
	minTotal      int
	maxPerBlock   int
	storeTimeout  time.Duration
	notifyTimeout time.Duration
	evHandler     EventHandler
	mu            sync.Mutex
}

// New constructs a proposer.
func New(cfg Config) *Proposer {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	p := Proposer{
		storer:        cfg.Storer,
		consensus:     cfg.Consensus,
		notifier:      cfg.Notifier,
		minRegular:    cfg.MinRegular,
		minTotal:      cfg.MinTotal,
		maxPerBlock:   cfg.MaxPerBlock,
		storeTimeout:  cfg.StoreTimeout,
		notifyTimeout: cfg.NotifyTimeout,
		evHandler:     ev,
	}

	if p.minRegular <= 0 {
		p.minRegular = DefaultMinRegular
	}
	if p.minTotal <= 0 {
		p.minTotal = DefaultMinTotal
	}
	if p.maxPerBlock <= 0 {
		p.maxPerBlock = DefaultMaxPerBlock
	}
	if p.notifyTimeout <= 0 {
		p.notifyTimeout = 10 * time.Second
	}

	return &p
}

// Trigger applies the trigger policy to the pending counts. The first
// matching rule wins and its reason is returned.
func (p *Proposer) Trigger(regular int, raw int) (bool, string) {
	switch {
	case raw > 0:
		return true, "raw transactions pending"
	case regular >= p.minRegular:
		return true, "regular threshold reached"
	case regular+raw >= p.minTotal:
		return true, "total threshold reached"
	}

	return false, fmt.Sprintf("below thresholds: regular %d/%d, total %d/%d", regular, p.minRegular, regular+raw, p.minTotal)
}

// MaybePropose builds, persists and announces a block when the trigger
// policy says so. The included entries leave the mempool only after the
// block is persisted. Only one proposal runs at a time.
func (p *Proposer) MaybePropose(ctx context.Context) (Result, error) {
	if !p.mu.TryLock() {
		return Result{Reason: ErrProposalInProgress.Error()}, ErrProposalInProgress
	}
	defer p.mu.Unlock()

	ctx, cancel := p.storeContext(ctx)
	defer cancel()

	if n, err := p.storer.PruneConfirmed(ctx); err != nil {
		p.evHandler("proposer: MaybePropose: prune confirmed: ERROR: %s", err)
	} else if n > 0 {
		p.evHandler("proposer: MaybePropose: pruned[%d] confirmed entries", n)
	}

	regular, raw, err := p.storer.CountPending(ctx)
	if err != nil {
		return Result{}, database.NewPersistenceError("count pending", err)
	}

	result := Result{
		Regular:    regular,
		Raw:        raw,
		MinRegular: p.minRegular,
		MinTotal:   p.minTotal,
	}

	trigger, reason := p.Trigger(regular, raw)
	result.Reason = reason

	if !trigger {
		p.evHandler("proposer: MaybePropose: %s", reason)
		return result, nil
	}

	p.evHandler("proposer: MaybePropose: started: %s", reason)
	defer p.evHandler("proposer: MaybePropose: completed")

	entries, err := p.storer.PickBest(ctx, p.maxPerBlock)
	if err != nil {
		return result, database.NewPersistenceError("pick best", err)
	}

	if len(entries) == 0 {
		result.Reason = "no transactions"
		return result, nil
	}

	trans := make([]database.Tx, len(entries))
	for i, e := range entries {
		tx := e.Tx
		tx.Status = database.StatusConfirmed
		trans[i] = tx
	}

	tip, err := p.storer.LatestBlock(ctx)
	if err != nil {
		return result, database.NewPersistenceError("latest block", err)
	}

	block, err := p.consensus.AssembleAndSign(ctx, tip.Header.Number+1, tip.Hash(), trans)
	if err != nil {
		return result, fmt.Errorf("assemble block: %w", err)
	}

	if err := p.storer.PersistBlock(ctx, block); err != nil {
		p.evHandler("proposer: MaybePropose: blk[%d]: persist: ERROR: %s", block.Header.Number, err)
		return result, database.NewPersistenceError("persist block", err)
	}

	removed, err := p.storer.DeleteByHash(ctx, block.TxHashes()...)
	if err != nil {
		// The block is persisted. Entries left behind are pruned as confirmed
		// on the next proposal.
		p.evHandler("proposer: MaybePropose: blk[%d]: delete entries: ERROR: %s", block.Header.Number, err)
	}

	p.evHandler("proposer: MaybePropose: blk[%d]: hash[%s]: txs[%d]: removed[%d]", block.Header.Number, block.Hash(), len(block.Trans), removed)

	p.notify(block)

	result.Mined = true
	result.Block = &block
	result.Removed = removed

	return result, nil
}

// notify tells the peers about the new tip without waiting for them.
func (p *Proposer) notify(block database.Block) {
	if p.notifier == nil {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), p.notifyTimeout)
		defer cancel()

		if err := p.notifier.NotifyBlock(ctx, block); err != nil {
			p.evHandler("proposer: notify: blk[%d]: WARNING: %s", block.Header.Number, err)
		}
	}()
}

func (p *Proposer) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.storeTimeout)
}
