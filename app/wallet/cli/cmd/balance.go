package cmd

import (
	"fmt"
	"log"
	"net/http"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
)

type balance struct {
	Account string `json:"account"`
	Balance uint64 `json:"balance"`
	Name    string `json:"name"`
}

var balanceCmd = &cobra.Command{
	Use:   "balance",
	Short: "Print your balance.",
	Run:   balanceRun,
}

func init() {
	rootCmd.AddCommand(balanceCmd)
}

func balanceRun(cmd *cobra.Command, args []string) {
	privateKey, err := crypto.LoadECDSA(getPrivateKeyPath())
	if err != nil {
		log.Fatal(err)
	}

	accountID := database.PublicKeyToAccountID(privateKey.PublicKey)
	fmt.Println("For Account:", accountID)

	var bal balance
	if err := call(http.MethodGet, fmt.Sprintf("/v1/accounts/balance/%s", accountID), nil, &bal); err != nil {
		log.Fatal(err)
	}

	fmt.Println(bal.Balance)
}
