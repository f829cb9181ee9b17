// Package poa provides the proof of authority consensus collaborator. A
// single authority key assembles and signs the blocks and every node checks
// incoming blocks were signed by a known authority.
package poa

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/signature"
)

// Authority assembles and signs blocks.
type Authority struct {
	privateKey  *ecdsa.PrivateKey
	accountID   database.AccountID
	authorities []database.AccountID
	nowFunc     func() time.Time
}

// New constructs an authority for the private key. The accounts allowed to
// sign blocks always include this authority.
func New(privateKey *ecdsa.PrivateKey, authorities ...database.AccountID) *Authority {
	accountID := database.PublicKeyToAccountID(privateKey.PublicKey)

	list := []database.AccountID{accountID}
	for _, a := range authorities {
		if a = a.Canonical(); !slices.Contains(list, a) {
			list = append(list, a)
		}
	}

	return &Authority{
		privateKey:  privateKey,
		accountID:   accountID,
		authorities: list,
		nowFunc:     time.Now,
	}
}

// AccountID returns the account of this authority.
func (a *Authority) AccountID() database.AccountID {
	return a.accountID
}

// AssembleAndSign builds the block at the specified height on top of the
// parent and signs its header.
func (a *Authority) AssembleAndSign(ctx context.Context, height uint64, parentHash string, trans []database.Tx) (database.Block, error) {
	if err := ctx.Err(); err != nil {
		return database.Block{}, err
	}

	block := database.Block{
		Header: database.BlockHeader{
			Number:     height,
			ParentHash: parentHash,
			TimeStamp:  uint64(a.nowFunc().UTC().UnixMilli()),
			ProposerID: a.accountID,
			TxRoot:     database.TxRoot(trans),
		},
		Trans: trans,
		Metadata: map[string]string{
			"consensus": "poa",
			"tx_count":  fmt.Sprint(len(trans)),
		},
	}

	v, r, s, err := signature.Sign(block.Header, a.privateKey)
	if err != nil {
		return database.Block{}, fmt.Errorf("sign block: %w", err)
	}
	block.Signature = signature.SignatureString(v, r, s)

	return block, nil
}

// VerifyBlock checks the block header was signed by a known authority and the
// proposer named in the header is that authority.
func (a *Authority) VerifyBlock(block database.Block) error {
	if block.Signature == "" {
		return errors.New("block is not signed")
	}

	v, r, s, err := signature.ToVRSFromHexSignature(block.Signature)
	if err != nil {
		return fmt.Errorf("parse block signature: %w", err)
	}

	if err := signature.VerifySignature(v, r, s); err != nil {
		return err
	}

	signer, err := signature.FromAddress(block.Header, v, r, s)
	if err != nil {
		return fmt.Errorf("recover block signer: %w", err)
	}

	signerID := database.AccountID(signer).Canonical()

	if signerID != block.Header.ProposerID.Canonical() {
		return fmt.Errorf("block signed by %s but proposed by %s", signerID, block.Header.ProposerID)
	}

	if !slices.Contains(a.authorities, signerID) {
		return fmt.Errorf("block signer %s is not an authority", signerID)
	}

	return nil
}
