package database

import (
	"crypto/ecdsa"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Balance represents the derived spendable balance for an account.
type Balance struct {
	AccountID AccountID `json:"account"`
	Balance   uint64    `json:"balance"`
}

// Ledger represents the confirmed totals for an account that the derived
// balance is computed from.
type Ledger struct {
	ConfirmedIn  uint64
	ConfirmedOut uint64
	ConfirmedFee uint64
	PendingOut   uint64
}

// Derived computes confirmed incoming less confirmed outgoing, fees and the
// outgoing value of pending transactions. The result never goes below zero.
func (l Ledger) Derived() uint64 {
	spent := l.ConfirmedOut + l.ConfirmedFee + l.PendingOut
	if spent >= l.ConfirmedIn {
		return 0
	}

	return l.ConfirmedIn - spent
}

// =============================================================================

// AccountID represents an account id that is used to sign transactions and is
// associated with transactions on the blockchain.
type AccountID string

// ToAccountID converts a hex-encoded string to an account and validates the
// hex-encoded string is formatted correctly. The account is returned in its
// checksum form.
func ToAccountID(hex string) (AccountID, error) {
	a := AccountID(hex)
	if !a.IsAccountID() {
		return "", errors.New("invalid account format")
	}

	return a.Canonical(), nil
}

// PublicKeyToAccountID converts the public key to an account value.
func PublicKeyToAccountID(pk ecdsa.PublicKey) AccountID {
	return AccountID(crypto.PubkeyToAddress(pk).String())
}

// IsAccountID verifies whether the underlying data represents a valid
// hex-encoded account.
func (a AccountID) IsAccountID() bool {
	return common.IsHexAddress(string(a))
}

// Canonical returns the checksum form of the account so the same account
// always produces the same mempool and ledger keys.
func (a AccountID) Canonical() AccountID {
	if !a.IsAccountID() {
		return a
	}

	return AccountID(common.HexToAddress(string(a)).Hex())
}
