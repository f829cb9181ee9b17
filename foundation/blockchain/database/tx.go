package database

import (
	"bytes"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/signature"
)

// Kind identifies how a transaction entered the network.
type Kind string

// Set of transaction kinds.
const (
	KindRegular Kind = "regular"
	KindRaw     Kind = "raw"
)

// Status represents where a transaction is in its life.
type Status string

// Set of transaction statuses.
const (
	StatusPending   Status = "pending"
	StatusReplaced  Status = "replaced"
	StatusConfirmed Status = "confirmed"
	StatusRejected  Status = "rejected"
)

// RawMarker is carried in the signature field of raw transactions. The
// signature itself lives inside the raw bytes and was checked at decode.
const RawMarker = "raw"

// =============================================================================

// Tx is the transactional information between two parties.
type Tx struct {
	Hash      string    `json:"hash"`
	FromID    AccountID `json:"from"`
	ToID      AccountID `json:"to"`
	Value     uint64    `json:"value"`
	Fee       uint64    `json:"fee"`
	Nonce     uint64    `json:"nonce"`
	GasLimit  uint64    `json:"gas_limit"`
	GasPrice  uint64    `json:"gas_price"`
	Data      []byte    `json:"data,omitempty"`
	Signature string    `json:"signature,omitempty"`
	Kind      Kind      `json:"kind"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// content is the part of a transaction covered by the computed hash and by
// a user signature. Accounts are always in checksum form.
type content struct {
	FromID   AccountID `json:"from"`
	ToID     AccountID `json:"to"`
	Value    uint64    `json:"value"`
	Fee      uint64    `json:"fee"`
	Nonce    uint64    `json:"nonce"`
	GasLimit uint64    `json:"gas_limit"`
	GasPrice uint64    `json:"gas_price"`
	Data     []byte    `json:"data,omitempty"`
}

func (tx Tx) content() content {
	return content{
		FromID:   tx.FromID.Canonical(),
		ToID:     tx.ToID.Canonical(),
		Value:    tx.Value,
		Fee:      tx.Fee,
		Nonce:    tx.Nonce,
		GasLimit: tx.GasLimit,
		GasPrice: tx.GasPrice,
		Data:     tx.Data,
	}
}

// ComputeHash returns the hash of the content of the transaction.
func (tx Tx) ComputeHash() string {
	return signature.Hash(tx.content())
}

// EnsureHash keeps a supplied well formed hash verbatim and only computes one
// when the transaction doesn't carry a usable hash.
func (tx *Tx) EnsureHash() {
	if IsHash(tx.Hash) {
		return
	}

	tx.Hash = tx.ComputeHash()
}

// Sign uses the specified private key to sign the transaction. The from
// account is set from the key.
func (tx Tx) Sign(privateKey *ecdsa.PrivateKey) (Tx, error) {
	if !tx.ToID.IsAccountID() {
		return Tx{}, fmt.Errorf("to account is not properly formatted")
	}

	tx.FromID = PublicKeyToAccountID(privateKey.PublicKey)
	tx.Kind = KindRegular

	v, r, s, err := signature.Sign(tx.content(), privateKey)
	if err != nil {
		return Tx{}, err
	}

	tx.Signature = signature.SignatureString(v, r, s)
	tx.Hash = tx.ComputeHash()

	return tx, nil
}

// VerifySignature checks the signature of a regular transaction was produced
// by the from account. Raw transactions were verified when decoded.
func (tx Tx) VerifySignature() error {
	if tx.Kind == KindRaw {
		return nil
	}

	v, r, s, err := signature.ToVRSFromHexSignature(tx.Signature)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	if err := signature.VerifySignature(v, r, s); err != nil {
		return err
	}

	from, err := signature.FromAddress(tx.content(), v, r, s)
	if err != nil {
		return err
	}

	if AccountID(from).Canonical() != tx.FromID.Canonical() {
		return errors.New("signature does not match from account")
	}

	return nil
}

// Validate checks the accounts are properly formatted.
func (tx Tx) Validate() error {
	if !tx.FromID.IsAccountID() {
		return NewValidationError(ReasonInvalidAccount, "from account %q is not properly formatted", tx.FromID)
	}

	if !tx.ToID.IsAccountID() {
		return NewValidationError(ReasonInvalidAccount, "to account %q is not properly formatted", tx.ToID)
	}

	return nil
}

// Cost returns the value plus the fee the sender pays for the transaction.
func (tx Tx) Cost() uint64 {
	return tx.Value + tx.Fee
}

// SameContent reports whether two transactions move the same value to the
// same account with the same payload.
func (tx Tx) SameContent(other Tx) bool {
	return tx.Value == other.Value &&
		tx.ToID.Canonical() == other.ToID.Canonical() &&
		bytes.Equal(tx.Data, other.Data)
}

// Key returns the sender and nonce key that identifies the slot the
// transaction competes for.
func (tx Tx) Key() string {
	return MempoolKey(tx.FromID, tx.Nonce)
}

// String implements the fmt.Stringer interface for logging.
func (tx Tx) String() string {
	return fmt.Sprintf("%s:%d", tx.FromID, tx.Nonce)
}

// FromRawTx maps the fields of a decoded raw transaction into a transaction.
// The ethereum hash is carried as the authoritative hash.
func FromRawTx(rtx signature.RawTx, now time.Time) (Tx, error) {
	fee, err := rtx.Fee()
	if err != nil {
		return Tx{}, NewValidationError(ReasonSpam, "%s", err)
	}

	tx := Tx{
		Hash:      rtx.Hash,
		FromID:    AccountID(rtx.From),
		ToID:      AccountID(rtx.To),
		Value:     rtx.Value,
		Fee:       fee,
		Nonce:     rtx.Nonce,
		GasLimit:  rtx.GasLimit,
		GasPrice:  rtx.GasPrice,
		Data:      rtx.Data,
		Signature: RawMarker,
		Kind:      KindRaw,
		Status:    StatusPending,
		CreatedAt: now,
	}

	return tx, nil
}

// =============================================================================

// MempoolKey returns the key for the sender and nonce pair.
func MempoolKey(from AccountID, nonce uint64) string {
	return fmt.Sprintf("%s:%d", from.Canonical(), nonce)
}

// IsHash reports whether the string is a 32 byte hex encoded hash with or
// without the 0x prefix.
func IsHash(h string) bool {
	h = strip0x(h)
	if len(h) != 64 {
		return false
	}

	for _, c := range []byte(h) {
		if !isHexCharacter(c) {
			return false
		}
	}

	return true
}

// NormalizeHash returns the lower case 0x prefixed form of the hash so the
// 0x prefixed and bare forms of the same hash compare equal.
func NormalizeHash(h string) string {
	return "0x" + strings.ToLower(strip0x(h))
}

func strip0x(h string) string {
	if len(h) >= 2 && h[0] == '0' && (h[1] == 'x' || h[1] == 'X') {
		return h[2:]
	}
	return h
}

func isHexCharacter(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
