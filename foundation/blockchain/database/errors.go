package database

import (
	"errors"
	"fmt"
)

// Reasons reported with a rejected admission.
const (
	ReasonInvalidAccount                = "invalid_account"
	ReasonInvalidSignature              = "invalid_signature"
	ReasonAmountBelowMinimum            = "amount_below_minimum"
	ReasonSpam                          = "spam"
	ReasonNonceConfirmed                = "nonce_already_confirmed"
	ReasonInsufficientFunds             = "insufficient_funds"
	ReasonInsufficientGasPrice          = "insufficient_gas_price"
	ReasonInsufficientGasPriceSameNonce = "insufficient_gas_price_same_nonce"
)

// Set of error variables for the outcomes of the relay protocol. The text of
// each error is the status tag reported to callers.
var (
	ErrNotFound           = errors.New("not found")
	ErrResourceBusy       = errors.New("resource_busy")
	ErrLoopDetected       = errors.New("loop_detected")
	ErrHopLimitExceeded   = errors.New("hop_limit_exceeded")
	ErrDuplicateSource    = errors.New("duplicate_source")
	ErrStaleTransaction   = errors.New("stale")
	ErrNetworkUnavailable = errors.New("network_unavailable")
	ErrChainForked        = errors.New("blockchain forked, start resync")
)

// =============================================================================

// ValidationError is returned when a transaction is malformed or considered
// spam.
type ValidationError struct {
	Reason string
	Detail string
}

// NewValidationError constructs a validation error for the reason.
func NewValidationError(reason string, format string, args ...any) error {
	return &ValidationError{
		Reason: reason,
		Detail: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	if ve.Detail == "" {
		return ve.Reason
	}
	return ve.Reason + ": " + ve.Detail
}

// IsValidationError checks if an error of type ValidationError exists.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// =============================================================================

// ConflictError is returned when a transaction loses the replace-by-fee
// decision against the transactions already pending for its sender and nonce.
type ConflictError struct {
	Reason           string
	RequiredGasPrice uint64
}

// Error implements the error interface.
func (ce *ConflictError) Error() string {
	if ce.RequiredGasPrice == 0 {
		return ce.Reason
	}
	return fmt.Sprintf("%s: required gas price %d", ce.Reason, ce.RequiredGasPrice)
}

// IsConflictError checks if an error of type ConflictError exists.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// =============================================================================

// PersistenceError is returned when the backing store fails an operation.
type PersistenceError struct {
	Op  string
	Err error
}

// NewPersistenceError wraps the store error for the named operation.
func NewPersistenceError(op string, err error) error {
	return &PersistenceError{
		Op:  op,
		Err: err,
	}
}

// Error implements the error interface.
func (pe *PersistenceError) Error() string {
	return fmt.Sprintf("persistence: %s: %s", pe.Op, pe.Err)
}

// Unwrap provides support for errors.Is and errors.As.
func (pe *PersistenceError) Unwrap() error {
	return pe.Err
}

// IsPersistenceError checks if an error of type PersistenceError exists.
func IsPersistenceError(err error) bool {
	var pe *PersistenceError
	return errors.As(err, &pe)
}
