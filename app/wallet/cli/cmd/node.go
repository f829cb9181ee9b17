package cmd

import (
	"fmt"
	"log"
	"net/http"

	"github.com/spf13/cobra"
)

var (
	privateURL string
	mempoolFor string
	allEdges   bool
)

var mempoolCmd = &cobra.Command{
	Use:   "mempool",
	Short: "Print the uncommitted transactions",
	Run: func(cmd *cobra.Command, args []string) {
		endpoint := "/v1/tx/uncommitted/list"
		if mempoolFor != "" {
			endpoint += "?account=" + mempoolFor
		}
		get(url, endpoint)
	},
}

var proposeCmd = &cobra.Command{
	Use:   "propose",
	Short: "Ask the node to propose a block if it has enough transactions",
	Run: func(cmd *cobra.Command, args []string) {
		var result any
		if err := call(http.MethodPost, "/v1/block/propose", nil, &result); err != nil {
			log.Fatal(err)
		}
		if err := printJSON(result); err != nil {
			log.Fatal(err)
		}
	},
}

var topologyCmd = &cobra.Command{
	Use:   "topology",
	Short: "Print the peer topology known to the node",
	Run: func(cmd *cobra.Command, args []string) {
		get(privateURL, fmt.Sprintf("/v1/node/topology?all=%t", allEdges))
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the node status",
	Run: func(cmd *cobra.Command, args []string) {
		get(privateURL, "/v1/node/status")
	},
}

func init() {
	rootCmd.AddCommand(mempoolCmd, proposeCmd, topologyCmd, statusCmd)
	mempoolCmd.Flags().StringVar(&mempoolFor, "for", "", "Only show transactions for this account.")
	topologyCmd.Flags().BoolVar(&allEdges, "all", false, "Show every edge and not just the node's adjacency.")
	for _, c := range []*cobra.Command{topologyCmd, statusCmd} {
		c.Flags().StringVar(&privateURL, "private-url", "http://localhost:9080", "Url of the node private api.")
	}
}

func get(base string, endpoint string) {
	saved := url
	url = base
	defer func() { url = saved }()

	var result any
	if err := call(http.MethodGet, endpoint, nil, &result); err != nil {
		log.Fatal(err)
	}

	if err := printJSON(result); err != nil {
		log.Fatal(err)
	}
}
