// Package selector provides different transaction selecting algorithms.
package selector

import (
	"fmt"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
)

// List of different select strategies.
const (
	StrategyPriority = "priority"
	StrategyTip      = "tip"
)

// Map of different select strategies with functions.
var strategies = map[string]Func{
	StrategyPriority: prioritySelect,
	StrategyTip:      tipSelect,
}

// Func defines a function that takes a mempool of entries grouped by
// account and selects howMany of them in an order based on the functions
// strategy. Receiving -1 for howMany must return all the entries in the
// strategies ordering.
type Func func(entries map[database.AccountID][]database.MempoolEntry, howMany int) []database.MempoolEntry

// Retrieve returns the specified select strategy function.
func Retrieve(strategy string) (Func, error) {
	fn, exists := strategies[strategy]
	if !exists {
		return nil, fmt.Errorf("strategy %q does not exist", strategy)
	}
	return fn, nil
}

// =============================================================================

// byNonce provides sorting support by the transaction nonce value.
type byNonce []database.MempoolEntry

// Len returns the number of entries in the list.
func (bn byNonce) Len() int {
	return len(bn)
}

// Less helps to sort the list by nonce in ascending order to keep the
// transactions in the right order of processing.
func (bn byNonce) Less(i, j int) bool {
	return bn[i].Tx.Nonce < bn[j].Tx.Nonce
}

// Swap moves entries in the order of the nonce value.
func (bn byNonce) Swap(i, j int) {
	bn[i], bn[j] = bn[j], bn[i]
}

// =============================================================================

// byPriority provides sorting support by priority score, oldest first when
// the scores are equal.
type byPriority []database.MempoolEntry

// Len returns the number of entries in the list.
func (bp byPriority) Len() int {
	return len(bp)
}

// Less orders by priority descending then by insertion time ascending. The
// hash breaks any remaining tie so the order is stable between calls.
func (bp byPriority) Less(i, j int) bool {
	switch {
	case bp[i].Priority != bp[j].Priority:
		return bp[i].Priority > bp[j].Priority
	case !bp[i].InsertedAt.Equal(bp[j].InsertedAt):
		return bp[i].InsertedAt.Before(bp[j].InsertedAt)
	default:
		return bp[i].Tx.Hash < bp[j].Tx.Hash
	}
}

// Swap moves entries in the order of the priority.
func (bp byPriority) Swap(i, j int) {
	bp[i], bp[j] = bp[j], bp[i]
}
