// Package admission decides whether a transaction enters the mempool. It
// applies the spam rules, forecloses confirmed nonces and resolves conflicts
// for the same sender and nonce with replace-by-fee.
package admission

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/bits"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/keylock"
)

// Status represents the outcome of an admission.
type Status string

// Set of admission outcomes.
const (
	StatusAdded     Status = "added"
	StatusReplaced  Status = "replaced"
	StatusDuplicate Status = "duplicate"
	StatusRejected  Status = "rejected"
)

// DefaultBumpPercent is how much higher the gas price of a replacement must
// be over the current highest gas price for the same sender and nonce.
const DefaultBumpPercent = 10

// Storer represents the behavior required from the store to admit
// transactions.
type Storer interface {
	Entries(ctx context.Context, from database.AccountID, nonce uint64) ([]database.MempoolEntry, error)
	ReplaceEntry(ctx context.Context, entry database.MempoolEntry) (int, error)
	IsNonceConfirmed(ctx context.Context, from database.AccountID, nonce uint64) (bool, error)
	Ledger(ctx context.Context, accountID database.AccountID) (database.Ledger, error)
	SetBalance(ctx context.Context, accountID database.AccountID, balance uint64) error
}

// EventHandler defines a function that is called when events
// occur in the processing of admissions.
type EventHandler func(v string, args ...any)

// Config represents the configuration required to construct a controller.
type Config struct {
	Storer         Storer
	Locker         keylock.Locker
	LockWait       time.Duration
	StoreTimeout   time.Duration
	MinAmount      uint64
	BumpPercent    uint64
	EnforceBalance bool
	EvHandler      EventHandler
}

// Result is the definitive outcome of an admission.
type Result struct {
	Status           Status `json:"status"`
	Hash             string `json:"hash,omitempty"`
	Reason           string `json:"reason,omitempty"`
	RequiredGasPrice uint64 `json:"required_gas_price,omitempty"`
	Removed          int    `json:"removed,omitempty"`
}

// Accepted reports whether the transaction is now pending on this node.
func (r Result) Accepted() bool {
	return r.Status == StatusAdded || r.Status == StatusReplaced || r.Status == StatusDuplicate
}

// Changed reports whether the mempool was changed by the admission.
func (r Result) Changed() bool {
	return r.Status == StatusAdded || r.Status == StatusReplaced
}

// Controller admits transactions into the mempool.
type Controller struct {
	storer         Storer
	locker         keylock.Locker
	lockWait       time.Duration
	storeTimeout   time.Duration
	minAmount      uint64
	bumpPercent    uint64
	enforceBalance bool
	evHandler      EventHandler
	nowFunc        func() time.Time
}

// New constructs a controller.
func New(cfg Config) *Controller {
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	bump := cfg.BumpPercent
	if bump == 0 {
		bump = DefaultBumpPercent
	}

	locker := cfg.Locker
	if locker == nil {
		locker = keylock.New()
	}

	return &Controller{
		storer:         cfg.Storer,
		locker:         locker,
		lockWait:       cfg.LockWait,
		storeTimeout:   cfg.StoreTimeout,
		minAmount:      cfg.MinAmount,
		bumpPercent:    bump,
		enforceBalance: cfg.EnforceBalance,
		evHandler:      ev,
		nowFunc:        time.Now,
	}
}

// RequiredGasPrice returns the smallest gas price that replaces an entry
// with the specified gas price. It is always above the current price and
// saturates at math.MaxUint64, a price nothing can replace.
func (c *Controller) RequiredGasPrice(current uint64) uint64 {
	if current == math.MaxUint64 {
		return math.MaxUint64
	}

	// ceil(current * (100+bump) / 100) in 128 bits.
	hi, lo := bits.Mul64(current, 100+c.bumpPercent)
	lo, carry := bits.Add64(lo, 99, 0)
	hi += carry

	if hi >= 100 {
		return math.MaxUint64
	}

	required, _ := bits.Div64(hi, lo, 100)
	if required <= current {
		required = current + 1
	}
	return required
}

// Admit validates the transaction and resolves it against the entries
// already pending for the same sender and nonce. Rejections are reported in
// the result and returned as a ValidationError or ConflictError. A sender
// that is busy for longer than the lock wait gets ErrResourceBusy.
func (c *Controller) Admit(ctx context.Context, tx database.Tx) (Result, error) {
	tx.FromID = tx.FromID.Canonical()
	tx.ToID = tx.ToID.Canonical()

	if err := c.validate(tx); err != nil {
		return rejected(tx, err), err
	}

	tx.EnsureHash()
	tx.Status = database.StatusPending
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = c.nowFunc().UTC()
	}

	unlock, err := c.locker.Lock(ctx, string(tx.FromID), c.lockWait)
	if err != nil {
		if errors.Is(err, database.ErrResourceBusy) {
			c.evHandler("admission: Admit: tx[%s]: sender busy", tx)
		}
		return Result{}, err
	}
	defer unlock()

	ctx, cancel := c.storeContext(ctx)
	defer cancel()

	confirmed, err := c.storer.IsNonceConfirmed(ctx, tx.FromID, tx.Nonce)
	if err != nil {
		return Result{}, database.NewPersistenceError("is nonce confirmed", err)
	}

	if confirmed {
		err := &database.ConflictError{Reason: database.ReasonNonceConfirmed}
		return rejected(tx, err), err
	}

	entries, err := c.storer.Entries(ctx, tx.FromID, tx.Nonce)
	if err != nil {
		return Result{}, database.NewPersistenceError("query entries", err)
	}

	status, match, err := c.decide(tx, entries)
	if err != nil {
		c.evHandler("admission: Admit: tx[%s]: rejected: %s", tx, err)
		return rejected(tx, err), err
	}

	if status == StatusDuplicate {
		c.evHandler("admission: Admit: tx[%s]: duplicate of hash[%s]", tx, match.Tx.Hash)
		return Result{Status: StatusDuplicate, Hash: match.Tx.Hash}, nil
	}

	if c.enforceBalance {
		if err := c.checkFunds(ctx, tx, entries); err != nil {
			return rejected(tx, err), err
		}
	}

	removed, err := c.storer.ReplaceEntry(ctx, database.NewMempoolEntry(tx, c.nowFunc().UTC()))
	if err != nil {
		var ve *database.ValidationError
		if errors.As(err, &ve) && ve.Reason == database.ReasonNonceConfirmed {
			cerr := &database.ConflictError{Reason: database.ReasonNonceConfirmed}
			return rejected(tx, cerr), cerr
		}
		return Result{}, database.NewPersistenceError("replace entry", err)
	}

	c.evHandler("admission: Admit: tx[%s]: hash[%s]: %s: removed[%d]", tx, tx.Hash, status, removed)

	c.refreshBalance(ctx, tx.FromID)
	c.refreshBalance(ctx, tx.ToID)

	result := Result{
		Status:  status,
		Hash:    tx.Hash,
		Removed: removed,
	}

	return result, nil
}

// validate applies the format and spam rules.
func (c *Controller) validate(tx database.Tx) error {
	if err := tx.Validate(); err != nil {
		return err
	}

	if tx.Value > 0 && tx.Value < c.minAmount {
		return database.NewValidationError(database.ReasonAmountBelowMinimum, "value %d is below the minimum %d", tx.Value, c.minAmount)
	}

	if tx.Value == 0 && tx.Fee == 0 && len(tx.Data) == 0 {
		return database.NewValidationError(database.ReasonSpam, "zero value, zero fee and no data")
	}

	return nil
}

// decide applies replace-by-fee against the entries pending for the same
// sender and nonce. A duplicate also returns the entry it matched.
func (c *Controller) decide(tx database.Tx, entries []database.MempoolEntry) (Status, database.MempoolEntry, error) {
	if len(entries) == 0 {
		return StatusAdded, database.MempoolEntry{}, nil
	}

	var maxGas uint64
	for _, e := range entries {
		maxGas = max(maxGas, e.Tx.GasPrice)
	}

	required := c.RequiredGasPrice(maxGas)

	// The replacement must also be strictly above the current price, which
	// only matters once the required price saturates.
	if tx.GasPrice >= required && tx.GasPrice > maxGas {
		return StatusReplaced, database.MempoolEntry{}, nil
	}

	if tx.GasPrice < maxGas {
		return StatusRejected, database.MempoolEntry{}, &database.ConflictError{Reason: database.ReasonInsufficientGasPrice, RequiredGasPrice: required}
	}

	if match, found := sameContent(tx, entries); found {
		return StatusDuplicate, match, nil
	}

	if tx.GasPrice == maxGas {
		return StatusRejected, database.MempoolEntry{}, &database.ConflictError{Reason: database.ReasonInsufficientGasPriceSameNonce, RequiredGasPrice: required}
	}

	return StatusRejected, database.MempoolEntry{}, &database.ConflictError{Reason: database.ReasonInsufficientGasPrice, RequiredGasPrice: required}
}

// checkFunds verifies the derived balance of the sender, ignoring the
// entries the transaction is replacing, covers the cost.
func (c *Controller) checkFunds(ctx context.Context, tx database.Tx, replacing []database.MempoolEntry) error {
	ledger, err := c.storer.Ledger(ctx, tx.FromID)
	if err != nil {
		return database.NewPersistenceError("ledger", err)
	}

	for _, e := range replacing {
		cost := e.Tx.Cost()
		if cost > ledger.PendingOut {
			cost = ledger.PendingOut
		}
		ledger.PendingOut -= cost
	}

	if available := ledger.Derived(); tx.Cost() > available {
		return database.NewValidationError(database.ReasonInsufficientFunds, "cost %d exceeds available balance %d", tx.Cost(), available)
	}

	return nil
}

// refreshBalance recomputes and caches the derived balance for the account.
// A failure only leaves a stale cached value behind.
func (c *Controller) refreshBalance(ctx context.Context, accountID database.AccountID) {
	ledger, err := c.storer.Ledger(ctx, accountID)
	if err != nil {
		c.evHandler("admission: refreshBalance: account[%s]: ERROR: %s", accountID, err)
		return
	}

	if err := c.storer.SetBalance(ctx, accountID, ledger.Derived()); err != nil {
		c.evHandler("admission: refreshBalance: account[%s]: ERROR: %s", accountID, err)
	}
}

func (c *Controller) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.storeTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.storeTimeout)
}

// =============================================================================

// sameContent returns the entry carrying the same content as the transaction.
func sameContent(tx database.Tx, entries []database.MempoolEntry) (database.MempoolEntry, bool) {
	for _, e := range entries {
		if tx.SameContent(e.Tx) {
			return e, true
		}
	}
	return database.MempoolEntry{}, false
}

func rejected(tx database.Tx, err error) Result {
	r := Result{
		Status: StatusRejected,
		Hash:   tx.Hash,
		Reason: err.Error(),
	}

	var ve *database.ValidationError
	var ce *database.ConflictError
	switch {
	case errors.As(err, &ve):
		r.Reason = ve.Reason
	case errors.As(err, &ce):
		r.Reason = ce.Reason
		r.RequiredGasPrice = ce.RequiredGasPrice
	}

	return r
}

// String implements the fmt.Stringer interface for logging.
func (r Result) String() string {
	if r.Status == StatusRejected {
		return fmt.Sprintf("%s(%s)", r.Status, r.Reason)
	}
	return string(r.Status)
}
