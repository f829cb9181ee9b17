package selector_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool/selector"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

const (
	pavel = database.AccountID("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	bill  = database.AccountID("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
	ed    = database.AccountID("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76")
)

func entry(from database.AccountID, nonce uint64, gasPrice uint64, at time.Time) database.MempoolEntry {
	tx := database.Tx{
		Hash:     fmt.Sprintf("%s:%d", from, nonce),
		FromID:   from,
		Nonce:    nonce,
		GasPrice: gasPrice,
	}
	return database.NewMempoolEntry(tx, at)
}

func group(entries ...database.MempoolEntry) map[database.AccountID][]database.MempoolEntry {
	m := make(map[database.AccountID][]database.MempoolEntry)
	for _, e := range entries {
		m[e.Tx.FromID] = append(m[e.Tx.FromID], e)
	}
	return m
}

func keys(entries []database.MempoolEntry) []string {
	var k []string
	for _, e := range entries {
		k = append(k, e.Tx.Hash)
	}
	return k
}

func TestPrioritySelect(t *testing.T) {
	now := time.Now()

	type test struct {
		name    string
		entries []database.MempoolEntry
		howMany int
		best    []database.MempoolEntry
	}

	tt := []test{
		{
			name: "priority then insertion",
			entries: []database.MempoolEntry{
				entry(pavel, 0, 10, now),
				entry(bill, 0, 50, now.Add(time.Second)),
				entry(ed, 0, 50, now),
				entry(pavel, 1, 75, now),
			},
			howMany: 3,
			best: []database.MempoolEntry{
				entry(pavel, 1, 75, now),
				entry(ed, 0, 50, now),
				entry(bill, 0, 50, now.Add(time.Second)),
			},
		},
		{
			name: "all",
			entries: []database.MempoolEntry{
				entry(pavel, 0, 10, now),
				entry(bill, 0, 20, now),
			},
			howMany: -1,
			best: []database.MempoolEntry{
				entry(bill, 0, 20, now),
				entry(pavel, 0, 10, now),
			},
		},
	}

	fn, err := selector.Retrieve(selector.StrategyPriority)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to retrieve the strategy: %v", failed, err)
	}

	t.Log("Given the need to select by priority.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				t.Logf("\tTest %d:\tWhen handling %s.", testID, tst.name)
				{
					got := fmt.Sprint(keys(fn(group(tst.entries...), tst.howMany)))
					exp := fmt.Sprint(keys(tst.best))
					if got != exp {
						t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, got)
						t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, exp)
						t.Fatalf("\t%s\tTest %d:\tShould get back the right order.", failed, testID)
					}
					t.Logf("\t%s\tTest %d:\tShould get back the right order.", success, testID)
				}
			}

			t.Run(tst.name, f)
		}
	}
}

func TestTipSelect(t *testing.T) {
	now := time.Now()

	entries := []database.MempoolEntry{
		entry(pavel, 0, 25, now),
		entry(pavel, 1, 75, now),
		entry(pavel, 2, 50, now),
		entry(bill, 0, 10, now),
		entry(bill, 1, 5, now),
		entry(bill, 2, 75, now),
		entry(ed, 0, 5, now),
		entry(ed, 1, 50, now),
	}

	fn, err := selector.Retrieve(selector.StrategyTip)
	if err != nil {
		t.Fatalf("\t%s\tShould be able to retrieve the strategy: %v", failed, err)
	}

	t.Log("Given the need to select by tip while respecting nonces.")
	{
		best := fn(group(entries...), 4)

		exp := fmt.Sprint(keys([]database.MempoolEntry{
			entry(pavel, 0, 25, now),
			entry(bill, 0, 10, now),
			entry(ed, 0, 5, now),
			entry(pavel, 1, 75, now),
		}))

		if got := fmt.Sprint(keys(best)); got != exp {
			t.Logf("\t%s\tgot: %s", failed, got)
			t.Logf("\t%s\texp: %s", failed, exp)
			t.Fatalf("\t%s\tShould get back the lowest nonces first.", failed)
		}
		t.Logf("\t%s\tShould get back the lowest nonces first.", success)
	}
}

func TestRetrieveUnknown(t *testing.T) {
	if _, err := selector.Retrieve("bogus"); err == nil {
		t.Fatalf("\t%s\tShould fail for an unknown strategy.", failed)
	}
	t.Logf("\t%s\tShould fail for an unknown strategy.", success)
}
