package signature

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

// RawTx is the set of fields extracted from a signed Ethereum transaction.
// Hash is the Ethereum transaction hash and is authoritative for the
// transaction for its whole life.
type RawTx struct {
	Hash     string
	Type     uint8
	ChainID  uint64
	From     string
	To       string
	Nonce    uint64
	Value    uint64
	GasLimit uint64
	GasPrice uint64
	Data     []byte
}

// DecodeRawTx decodes a hex encoded signed Ethereum transaction in either the
// legacy or the typed envelope format and recovers the sender.
func DecodeRawTx(rawHex string) (RawTx, error) {
	rawHex = strings.TrimSpace(rawHex)
	if !strings.HasPrefix(rawHex, "0x") && !strings.HasPrefix(rawHex, "0X") {
		rawHex = "0x" + rawHex
	}

	raw, err := hexutil.Decode(rawHex)
	if err != nil {
		return RawTx{}, fmt.Errorf("decoding raw hex: %w", err)
	}

	return RecoverRawTx(raw)
}

// RecoverRawTx decodes the signed transaction bytes and recovers the sender.
func RecoverRawTx(raw []byte) (RawTx, error) {
	var tx types.Transaction
	if err := tx.UnmarshalBinary(raw); err != nil {
		return RawTx{}, fmt.Errorf("unmarshal transaction: %w", err)
	}

	chainID := tx.ChainId()
	if chainID != nil && chainID.Sign() == 0 {
		chainID = nil
	}

	from, err := types.Sender(types.LatestSignerForChainID(chainID), &tx)
	if err != nil {
		return RawTx{}, fmt.Errorf("recover sender: %w", err)
	}

	if tx.To() == nil {
		return RawTx{}, errors.New("contract creation is not supported")
	}

	value, err := toUint64("value", tx.Value())
	if err != nil {
		return RawTx{}, err
	}

	gasPrice, err := toUint64("gas price", tx.GasPrice())
	if err != nil {
		return RawTx{}, err
	}

	rtx := RawTx{
		Hash:     tx.Hash().Hex(),
		Type:     tx.Type(),
		From:     from.Hex(),
		To:       tx.To().Hex(),
		Nonce:    tx.Nonce(),
		Value:    value,
		GasLimit: tx.Gas(),
		GasPrice: gasPrice,
		Data:     tx.Data(),
	}

	if chainID != nil {
		rtx.ChainID = chainID.Uint64()
	}

	return rtx, nil
}

// Fee returns the maximum fee the sender agreed to pay.
func (rtx RawTx) Fee() (uint64, error) {
	fee := new(big.Int).Mul(new(big.Int).SetUint64(rtx.GasLimit), new(big.Int).SetUint64(rtx.GasPrice))
	return toUint64("fee", fee)
}

func toUint64(field string, v *big.Int) (uint64, error) {
	if v == nil {
		return 0, nil
	}

	if v.Sign() < 0 || !v.IsUint64() {
		return 0, fmt.Errorf("%s out of range: %s", field, v)
	}

	return v.Uint64(), nil
}
