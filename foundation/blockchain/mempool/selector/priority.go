package selector

import (
	"sort"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
)

// prioritySelect returns the entries with the highest priority score. Entries
// with the same score are taken in the order they were admitted.
var prioritySelect = func(m map[database.AccountID][]database.MempoolEntry, howMany int) []database.MempoolEntry {
	var all []database.MempoolEntry
	for _, entries := range m {
		all = append(all, entries...)
	}

	sort.Sort(byPriority(all))

	if howMany >= 0 && len(all) > howMany {
		all = all[:howMany]
	}

	return all
}
