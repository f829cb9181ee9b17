// This program is a wallet for the transaction relay node. It signs
// transactions with keys held on disk and talks to the node api.
package main

import "github.com/ardanlabs/txrelay/app/wallet/cli/cmd"

func main() {
	cmd.Execute()
}
