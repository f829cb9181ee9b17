// Package genesis maintains access to the genesis file.
package genesis

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Genesis represents the genesis file.
type Genesis struct {
	Date      time.Time         `json:"date"`
	ChainID   uint64            `json:"chain_id"`   // The chain id raw transactions must be signed for.
	GasPrice  uint64            `json:"gas_price"`  // Gas price applied to transactions submitted without one.
	GasLimit  uint64            `json:"gas_limit"`  // Gas limit applied to transactions submitted without one.
	MinAmount uint64            `json:"min_amount"` // Smallest non-zero value a transaction may move.
	Balances  map[string]uint64 `json:"balances"`   // Confirmed starting balances.
}

// =============================================================================

// Load opens and consumes the genesis file.
func Load(path string) (Genesis, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Genesis{}, fmt.Errorf("reading genesis: %w", err)
	}

	var genesis Genesis
	if err := json.Unmarshal(content, &genesis); err != nil {
		return Genesis{}, fmt.Errorf("unmarshal genesis: %w", err)
	}

	return genesis, nil
}
