package selector

import (
	"sort"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
)

// tipSelect returns entries with the best priority while respecting the nonce
// order of each account.
var tipSelect = func(m map[database.AccountID][]database.MempoolEntry, howMany int) []database.MempoolEntry {

	// Sort the entries per account by nonce.
	for key := range m {
		if len(m[key]) > 1 {
			sort.Sort(byNonce(m[key]))
		}
	}

	// Pick the first entry in the slice for each account. Each iteration
	// represents a new row of selections. Keep doing that until all the
	// entries have been selected.
	var rows [][]database.MempoolEntry
	for {
		var row []database.MempoolEntry
		for key := range m {
			if len(m[key]) > 0 {
				row = append(row, m[key][0])
				m[key] = m[key][1:]
			}
		}
		if row == nil {
			break
		}
		rows = append(rows, row)
	}

	if howMany < 0 {
		for _, row := range rows {
			howMany += len(row)
		}
		howMany++
	}

	// Sort each row by priority so the order is deterministic, then take
	// rows until the requested amount is filled.
	final := []database.MempoolEntry{}
	for _, row := range rows {
		sort.Sort(byPriority(row))

		need := howMany - len(final)
		if len(row) >= need {
			final = append(final, row[:need]...)
			break
		}
		final = append(final, row...)
	}

	return final
}
