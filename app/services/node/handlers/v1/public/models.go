package public

import (
	"time"

	"github.com/ardanlabs/txrelay/business/sys/validate"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// submitTx is a transaction signed by a wallet.
type submitTx struct {
	Hash      string `json:"hash"`
	From      string `json:"from" validate:"required"`
	To        string `json:"to" validate:"required"`
	Value     uint64 `json:"value"`
	Fee       uint64 `json:"fee"`
	Nonce     uint64 `json:"nonce"`
	GasLimit  uint64 `json:"gas_limit"`
	GasPrice  uint64 `json:"gas_price"`
	Data      string `json:"data"`
	Signature string `json:"signature" validate:"required"`
}

// Validate checks the data in the model is considered clean.
func (st submitTx) Validate() error {
	return validate.Check(st)
}

func (st submitTx) toTx() (database.Tx, error) {
	tx := database.Tx{
		Hash:      st.Hash,
		FromID:    database.AccountID(st.From),
		ToID:      database.AccountID(st.To),
		Value:     st.Value,
		Fee:       st.Fee,
		Nonce:     st.Nonce,
		GasLimit:  st.GasLimit,
		GasPrice:  st.GasPrice,
		Signature: st.Signature,
	}

	if st.Data != "" {
		data, err := hexutil.Decode(st.Data)
		if err != nil {
			return database.Tx{}, database.NewValidationError(database.ReasonSpam, "data is not hex encoded: %s", err)
		}
		tx.Data = data
	}

	return tx, nil
}

// submitRawTx is a hex encoded signed Ethereum transaction.
type submitRawTx struct {
	RawTx string `json:"raw_tx" validate:"required"`
}

// Validate checks the data in the model is considered clean.
func (srt submitRawTx) Validate() error {
	return validate.Check(srt)
}

// sendTx is a transaction the node signs with an unlocked key.
type sendTx struct {
	From     string `json:"from" validate:"required"`
	To       string `json:"to" validate:"required"`
	Value    uint64 `json:"value"`
	Fee      uint64 `json:"fee"`
	Nonce    uint64 `json:"nonce"`
	GasLimit uint64 `json:"gas_limit"`
	GasPrice uint64 `json:"gas_price"`
}

// Validate checks the data in the model is considered clean.
func (st sendTx) Validate() error {
	return validate.Check(st)
}

// unlock names the key file to load.
type unlock struct {
	Name string `json:"name" validate:"required"`
	TTL  string `json:"ttl"`
}

// Validate checks the data in the model is considered clean.
func (u unlock) Validate() error {
	return validate.Check(u)
}

// unlocked is the response to an unlock.
type unlocked struct {
	Account   database.AccountID `json:"account"`
	ExpiresAt time.Time          `json:"expires_at"`
}

// tx is a pending transaction as presented to wallets.
type tx struct {
	Hash      string             `json:"hash"`
	From      database.AccountID `json:"from"`
	FromName  string             `json:"from_name"`
	To        database.AccountID `json:"to"`
	ToName    string             `json:"to_name"`
	Value     uint64             `json:"value"`
	Fee       uint64             `json:"fee"`
	Nonce     uint64             `json:"nonce"`
	GasPrice  uint64             `json:"gas_price"`
	Kind      database.Kind      `json:"kind"`
	Priority  uint64             `json:"priority_score"`
	CreatedAt time.Time          `json:"created_at"`
}
