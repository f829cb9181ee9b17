package cmd

import (
	"crypto/ecdsa"
	"log"
	"math/big"
	"net/http"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

var (
	nonce    uint64
	to       string
	value    uint64
	fee      uint64
	gasPrice uint64
	gasLimit uint64
	chainID  uint64
	data     []byte
	raw      bool
)

// sendCmd represents the send command
var sendCmd = &cobra.Command{
	Use:   "send",
	Short: "Send transaction",
	Run: func(cmd *cobra.Command, args []string) {
		privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
		if err != nil {
			log.Fatal(err)
		}

		if raw {
			sendRaw(privateKey)
			return
		}
		sendWithDetails(privateKey)
	},
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().Uint64VarP(&nonce, "nonce", "n", 0, "Nonce for the transaction.")
	sendCmd.Flags().StringVarP(&to, "to", "t", "", "Account receiving the value.")
	sendCmd.Flags().Uint64VarP(&value, "value", "v", 0, "Value to send.")
	sendCmd.Flags().Uint64VarP(&fee, "fee", "f", 0, "Fee to pay the proposer.")
	sendCmd.Flags().Uint64VarP(&gasPrice, "gas-price", "g", 0, "Gas price used to win replace-by-fee.")
	sendCmd.Flags().Uint64VarP(&gasLimit, "gas-limit", "l", 21000, "Gas limit.")
	sendCmd.Flags().Uint64VarP(&chainID, "chain-id", "c", 1, "Chain id a raw transaction is signed for.")
	sendCmd.Flags().BytesHexVarP(&data, "data", "d", nil, "Data to send.")
	sendCmd.Flags().BoolVarP(&raw, "raw", "r", false, "Submit as a signed Ethereum legacy transaction.")
}

func sendWithDetails(privateKey *ecdsa.PrivateKey) {
	tx := database.Tx{
		FromID:   database.PublicKeyToAccountID(privateKey.PublicKey),
		ToID:     database.AccountID(to),
		Value:    value,
		Fee:      fee,
		Nonce:    nonce,
		GasLimit: gasLimit,
		GasPrice: gasPrice,
		Data:     data,
	}

	signedTx, err := tx.Sign(privateKey)
	if err != nil {
		log.Fatal(err)
	}

	body := struct {
		Hash      string `json:"hash"`
		From      string `json:"from"`
		To        string `json:"to"`
		Value     uint64 `json:"value"`
		Fee       uint64 `json:"fee"`
		Nonce     uint64 `json:"nonce"`
		GasLimit  uint64 `json:"gas_limit"`
		GasPrice  uint64 `json:"gas_price"`
		Data      string `json:"data,omitempty"`
		Signature string `json:"signature"`
	}{
		Hash:      signedTx.Hash,
		From:      string(signedTx.FromID),
		To:        string(signedTx.ToID),
		Value:     signedTx.Value,
		Fee:       signedTx.Fee,
		Nonce:     signedTx.Nonce,
		GasLimit:  signedTx.GasLimit,
		GasPrice:  signedTx.GasPrice,
		Signature: signedTx.Signature,
	}
	if len(data) > 0 {
		body.Data = hexutil.Encode(data)
	}

	var result any
	if err := call(http.MethodPost, "/v1/tx/submit", body, &result); err != nil {
		log.Fatal(err)
	}

	if err := printJSON(result); err != nil {
		log.Fatal(err)
	}
}

func sendRaw(privateKey *ecdsa.PrivateKey) {
	ethTx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       ptr(common.HexToAddress(to)),
		Value:    new(big.Int).SetUint64(value),
		Gas:      gasLimit,
		GasPrice: new(big.Int).SetUint64(gasPrice),
		Data:     data,
	})

	signer := types.NewEIP155Signer(new(big.Int).SetUint64(chainID))
	signedTx, err := types.SignTx(ethTx, signer, privateKey)
	if err != nil {
		log.Fatal(err)
	}

	rawTx, err := signedTx.MarshalBinary()
	if err != nil {
		log.Fatal(err)
	}

	body := struct {
		RawTx string `json:"raw_tx"`
	}{
		RawTx: hexutil.Encode(rawTx),
	}

	var result any
	if err := call(http.MethodPost, "/v1/tx/submit/raw", body, &result); err != nil {
		log.Fatal(err)
	}

	if err := printJSON(result); err != nil {
		log.Fatal(err)
	}
}

func ptr[T any](v T) *T {
	return &v
}
