package mempool_test

import (
	"strings"
	"testing"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

const (
	fromID = database.AccountID("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	toID   = database.AccountID("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
)

func newEntry(nonce uint64, gasPrice uint64, kind database.Kind) database.MempoolEntry {
	tx := database.Tx{
		FromID:   fromID,
		ToID:     toID,
		Value:    100,
		Fee:      5,
		Nonce:    nonce,
		GasPrice: gasPrice,
		Kind:     kind,
	}
	tx.EnsureHash()

	return database.NewMempoolEntry(tx, time.Now())
}

func TestCRUD(t *testing.T) {
	t.Log("Given the need to validate mempool api.")
	{
		mp, err := mempool.New()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to construct mempool: %v", failed, err)
		}
		t.Logf("\t%s\tShould be able to construct mempool.", success)

		t.Logf("\tTest 0:\tWhen adding entries.")
		{
			mp.Replace(newEntry(1, 10, database.KindRegular))
			mp.Replace(newEntry(2, 30, database.KindRegular))
			mp.Replace(newEntry(3, 20, database.KindRaw))

			if mp.Count() != 3 {
				t.Fatalf("\t%s\tTest 0:\tShould have 3 entries: got %d", failed, mp.Count())
			}
			t.Logf("\t%s\tTest 0:\tShould have 3 entries.", success)

			regular, raw := mp.CountByKind()
			if regular != 2 || raw != 1 {
				t.Fatalf("\t%s\tTest 0:\tShould count by kind: got %d regular %d raw", failed, regular, raw)
			}
			t.Logf("\t%s\tTest 0:\tShould count by kind.", success)

			if out := mp.PendingOut(fromID); out != 315 {
				t.Fatalf("\t%s\tTest 0:\tShould total the pending outgoing: got %d", failed, out)
			}
			t.Logf("\t%s\tTest 0:\tShould total the pending outgoing.", success)
		}

		t.Logf("\tTest 1:\tWhen replacing an entry for the same nonce.")
		{
			replacement := newEntry(1, 50, database.KindRegular)
			replacement.Tx.Value = 200
			replacement.Tx.Hash = replacement.Tx.ComputeHash()

			if removed := mp.Replace(replacement); removed != 1 {
				t.Fatalf("\t%s\tTest 1:\tShould remove one entry: got %d", failed, removed)
			}
			t.Logf("\t%s\tTest 1:\tShould remove one entry.", success)

			entries := mp.Entries(fromID, 1)
			if len(entries) != 1 || entries[0].Tx.Hash != replacement.Tx.Hash {
				t.Fatalf("\t%s\tTest 1:\tShould hold only the replacement.", failed)
			}
			t.Logf("\t%s\tTest 1:\tShould hold only the replacement.", success)
		}

		t.Logf("\tTest 2:\tWhen picking the best entries.")
		{
			best := mp.PickBest(2)
			if len(best) != 2 || best[0].Tx.Nonce != 1 || best[1].Tx.Nonce != 2 {
				t.Fatalf("\t%s\tTest 2:\tShould pick by priority.", failed)
			}
			t.Logf("\t%s\tTest 2:\tShould pick by priority.", success)
		}

		t.Logf("\tTest 3:\tWhen deleting by a bare hex hash.")
		{
			e := mp.Entries(fromID, 2)[0]
			bare := strings.TrimPrefix(e.Tx.Hash, "0x")

			if _, found := mp.Get(bare); !found {
				t.Fatalf("\t%s\tTest 3:\tShould find the entry by bare hash.", failed)
			}
			t.Logf("\t%s\tTest 3:\tShould find the entry by bare hash.", success)

			if removed := mp.DeleteByHash(strings.ToUpper(bare)); removed != 1 {
				t.Fatalf("\t%s\tTest 3:\tShould delete the entry: got %d", failed, removed)
			}
			t.Logf("\t%s\tTest 3:\tShould delete the entry.", success)

			if mp.Count() != 2 {
				t.Fatalf("\t%s\tTest 3:\tShould have 2 entries: got %d", failed, mp.Count())
			}
			t.Logf("\t%s\tTest 3:\tShould have 2 entries.", success)
		}

		t.Logf("\tTest 4:\tWhen deleting by key and truncating.")
		{
			if removed := mp.DeleteKey(fromID, 3); removed != 1 {
				t.Fatalf("\t%s\tTest 4:\tShould delete the key: got %d", failed, removed)
			}
			t.Logf("\t%s\tTest 4:\tShould delete the key.", success)

			mp.Truncate()
			if mp.Count() != 0 {
				t.Fatalf("\t%s\tTest 4:\tShould be empty.", failed)
			}
			t.Logf("\t%s\tTest 4:\tShould be empty.", success)
		}
	}
}
