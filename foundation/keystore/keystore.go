// Package keystore holds unlocked account keys in memory for a limited time
// so the node can sign transactions on behalf of a wallet.
package keystore

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/patrickmn/go-cache"
)

// ErrLocked is returned when the key for an account is not unlocked.
var ErrLocked = errors.New("account is locked")

// Keystore maintains the set of unlocked private keys.
type Keystore struct {
	root   string
	maxTTL time.Duration
	keys   *cache.Cache
}

// New constructs a keystore that loads key files from the specified folder.
// Keys are never kept longer than maxTTL.
func New(root string, maxTTL time.Duration) *Keystore {
	return &Keystore{
		root:   root,
		maxTTL: maxTTL,
		keys:   cache.New(maxTTL, time.Minute),
	}
}

// Unlock loads the key file for the named account and keeps the key in
// memory for the ttl. A zero ttl uses the maximum.
func (ks *Keystore) Unlock(name string, ttl time.Duration) (database.AccountID, time.Time, error) {
	if ttl <= 0 || ttl > ks.maxTTL {
		ttl = ks.maxTTL
	}

	if name == "" || filepath.Base(name) != name {
		return "", time.Time{}, fmt.Errorf("invalid account name %q", name)
	}

	privateKey, err := crypto.LoadECDSA(filepath.Join(ks.root, name+".ecdsa"))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("loading key for %q: %w", name, err)
	}

	return ks.Add(privateKey, ttl), time.Now().Add(ttl), nil
}

// Add keeps the private key unlocked for the ttl.
func (ks *Keystore) Add(privateKey *ecdsa.PrivateKey, ttl time.Duration) database.AccountID {
	if ttl <= 0 || ttl > ks.maxTTL {
		ttl = ks.maxTTL
	}

	accountID := database.PublicKeyToAccountID(privateKey.PublicKey)
	ks.keys.Set(string(accountID), privateKey, ttl)

	return accountID
}

// Lock removes the key for the account.
func (ks *Keystore) Lock(accountID database.AccountID) {
	ks.keys.Delete(string(accountID.Canonical()))
}

// Key returns the unlocked key for the account.
func (ks *Keystore) Key(accountID database.AccountID) (*ecdsa.PrivateKey, error) {
	v, found := ks.keys.Get(string(accountID.Canonical()))
	if !found {
		return nil, ErrLocked
	}

	return v.(*ecdsa.PrivateKey), nil
}

// Sign signs the transaction with the unlocked key of its from account.
func (ks *Keystore) Sign(tx database.Tx) (database.Tx, error) {
	privateKey, err := ks.Key(tx.FromID)
	if err != nil {
		return database.Tx{}, err
	}

	return tx.Sign(privateKey)
}
