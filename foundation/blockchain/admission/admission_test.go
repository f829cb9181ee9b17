package admission_test

import (
	"context"
	"errors"
	"math"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/admission"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/keylock"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/txrelay/foundation/blockchain/storage/memory"
	"github.com/stretchr/testify/require"
)

const (
	sender    = database.AccountID("0xdd6B972ffcc631a62CAE1BB9d80b7ff429c8ebA4")
	recipient = database.AccountID("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
	other     = database.AccountID("0xbEE6ACE826eC3DE1B6349888B9151B92522F7F76")
)

func newController(t *testing.T, mod func(cfg *admission.Config)) (*admission.Controller, *memory.Memory) {
	gen := genesis.Genesis{
		Date:     time.Now(),
		Balances: map[string]uint64{string(sender): 10_000},
	}

	store, err := memory.New(gen, selector.StrategyPriority)
	require.NoError(t, err)

	cfg := admission.Config{
		Storer:       store,
		Locker:       keylock.New(),
		LockWait:     time.Second,
		StoreTimeout: time.Second,
		MinAmount:    10,
	}
	if mod != nil {
		mod(&cfg)
	}

	return admission.New(cfg), store
}

func tx(nonce uint64, value uint64, gasPrice uint64) database.Tx {
	return database.Tx{
		FromID:   sender,
		ToID:     recipient,
		Value:    value,
		Fee:      1,
		Nonce:    nonce,
		GasPrice: gasPrice,
		Kind:     database.KindRegular,
	}
}

func pending(t *testing.T, store *memory.Memory, nonce uint64) []database.MempoolEntry {
	entries, err := store.Entries(context.Background(), sender, nonce)
	require.NoError(t, err)
	return entries
}

func TestReplaceByFeeScenario(t *testing.T) {
	ctrl, store := newController(t, nil)
	ctx := context.Background()

	a := tx(5, 100, 100)
	res, err := ctrl.Admit(ctx, a)
	require.NoError(t, err)
	require.Equal(t, admission.StatusAdded, res.Status)
	require.Len(t, pending(t, store, 5), 1)

	b := tx(5, 100, 100)
	res, err = ctrl.Admit(ctx, b)
	require.NoError(t, err)
	require.Equal(t, admission.StatusDuplicate, res.Status)
	require.Len(t, pending(t, store, 5), 1)

	c := tx(5, 100, 115)
	res, err = ctrl.Admit(ctx, c)
	require.NoError(t, err)
	require.Equal(t, admission.StatusReplaced, res.Status)
	require.Equal(t, 1, res.Removed)

	entries := pending(t, store, 5)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(115), entries[0].Tx.GasPrice)
	require.Equal(t, uint64(115), entries[0].Priority)
}

func TestRejections(t *testing.T) {
	tests := []struct {
		name     string
		next     database.Tx
		reason   string
		required uint64
	}{
		{
			name:     "lower gas price",
			next:     tx(1, 100, 90),
			reason:   database.ReasonInsufficientGasPrice,
			required: 110,
		},
		{
			name:     "same gas price different content",
			next:     tx(1, 200, 100),
			reason:   database.ReasonInsufficientGasPriceSameNonce,
			required: 110,
		},
		{
			name:     "below the bump different content",
			next:     tx(1, 200, 109),
			reason:   database.ReasonInsufficientGasPrice,
			required: 110,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctrl, store := newController(t, nil)
			ctx := context.Background()

			first := tx(1, 100, 100)
			_, err := ctrl.Admit(ctx, first)
			require.NoError(t, err)
			before := pending(t, store, 1)

			res, err := ctrl.Admit(ctx, tc.next)
			require.Error(t, err)
			require.True(t, database.IsConflictError(err))
			require.Equal(t, admission.StatusRejected, res.Status)
			require.Equal(t, tc.reason, res.Reason)
			require.Equal(t, tc.required, res.RequiredGasPrice)

			require.Equal(t, before, pending(t, store, 1), "mempool must be unchanged")
		})
	}
}

func TestReplaceAtExactBump(t *testing.T) {
	ctrl, store := newController(t, nil)
	ctx := context.Background()

	_, err := ctrl.Admit(ctx, tx(2, 100, 7))
	require.NoError(t, err)

	require.Equal(t, uint64(8), ctrl.RequiredGasPrice(7))
	require.Equal(t, uint64(1), ctrl.RequiredGasPrice(0))

	res, err := ctrl.Admit(ctx, tx(2, 300, 8))
	require.NoError(t, err)
	require.Equal(t, admission.StatusReplaced, res.Status)
	require.Len(t, pending(t, store, 2), 1)
}

func TestConfirmedNonceForeclosed(t *testing.T) {
	ctrl, store := newController(t, nil)
	ctx := context.Background()

	confirmed := tx(3, 100, 10)
	confirmed.EnsureHash()

	block := database.Block{
		Header: database.BlockHeader{Number: 1},
		Trans:  []database.Tx{confirmed},
	}
	require.NoError(t, store.PersistBlock(ctx, block))

	res, err := ctrl.Admit(ctx, tx(3, 500, 10_000))
	require.Error(t, err)
	require.Equal(t, admission.StatusRejected, res.Status)
	require.Equal(t, database.ReasonNonceConfirmed, res.Reason)
	require.Empty(t, pending(t, store, 3))
}

func TestSpamRules(t *testing.T) {
	ctrl, _ := newController(t, nil)
	ctx := context.Background()

	small := tx(1, 5, 10)
	res, err := ctrl.Admit(ctx, small)
	require.True(t, database.IsValidationError(err))
	require.Equal(t, database.ReasonAmountBelowMinimum, res.Reason)

	empty := tx(1, 0, 10)
	empty.Fee = 0
	res, err = ctrl.Admit(ctx, empty)
	require.True(t, database.IsValidationError(err))
	require.Equal(t, database.ReasonSpam, res.Reason)

	withData := empty
	withData.Data = []byte("hello")
	res, err = ctrl.Admit(ctx, withData)
	require.NoError(t, err)
	require.Equal(t, admission.StatusAdded, res.Status)

	bad := tx(2, 100, 10)
	bad.ToID = "not-an-account"
	res, err = ctrl.Admit(ctx, bad)
	require.True(t, database.IsValidationError(err))
	require.Equal(t, database.ReasonInvalidAccount, res.Reason)
}

func TestBusySender(t *testing.T) {
	locker := keylock.New()
	ctrl, _ := newController(t, func(cfg *admission.Config) {
		cfg.Locker = locker
		cfg.LockWait = 20 * time.Millisecond
	})
	ctx := context.Background()

	unlock, err := locker.Lock(ctx, string(sender), time.Second)
	require.NoError(t, err)

	_, err = ctrl.Admit(ctx, tx(1, 100, 10))
	require.True(t, errors.Is(err, database.ErrResourceBusy))

	unlock()

	res, err := ctrl.Admit(ctx, tx(1, 100, 10))
	require.NoError(t, err)
	require.Equal(t, admission.StatusAdded, res.Status)
}

func TestConcurrentSameNonce(t *testing.T) {
	ctrl, store := newController(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctrl.Admit(ctx, tx(9, 100+uint64(i), 100+uint64(i)*20))
		}()
	}
	wg.Wait()

	require.Len(t, pending(t, store, 9), 1)
}

func TestDerivedBalances(t *testing.T) {
	ctrl, store := newController(t, nil)
	ctx := context.Background()

	_, err := ctrl.Admit(ctx, tx(1, 100, 10))
	require.NoError(t, err)

	bal, err := store.Balance(ctx, sender)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000-101), bal.Balance)

	bal, err = store.Balance(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(0), bal.Balance, "pending incoming is not spendable")

	_, err = ctrl.Admit(ctx, tx(1, 200, 20))
	require.NoError(t, err)

	bal, err = store.Balance(ctx, sender)
	require.NoError(t, err)
	require.Equal(t, uint64(10_000-201), bal.Balance, "replaced entry no longer counts")
}

func TestEnforceBalance(t *testing.T) {
	ctrl, store := newController(t, func(cfg *admission.Config) {
		cfg.EnforceBalance = true
	})
	ctx := context.Background()

	res, err := ctrl.Admit(ctx, tx(1, 9_999, 10))
	require.NoError(t, err)
	require.Equal(t, admission.StatusAdded, res.Status)

	res, err = ctrl.Admit(ctx, tx(2, 100, 10))
	require.True(t, database.IsValidationError(err))
	require.Equal(t, database.ReasonInsufficientFunds, res.Reason)

	res, err = ctrl.Admit(ctx, tx(1, 9_000, 20))
	require.NoError(t, err, "the entry being replaced must not count against the sender")
	require.Equal(t, admission.StatusReplaced, res.Status)

	poor := tx(1, 100, 10)
	poor.FromID = other
	_, err = ctrl.Admit(ctx, poor)
	require.True(t, database.IsValidationError(err))

	require.Len(t, pending(t, store, 1), 1)
}

func TestSuppliedHashKept(t *testing.T) {
	ctrl, store := newController(t, nil)
	ctx := context.Background()

	const hash = "0xAB00000000000000000000000000000000000000000000000000000000000001"

	raw := tx(4, 100, 10)
	raw.Hash = hash
	raw.Kind = database.KindRaw

	res, err := ctrl.Admit(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, hash, res.Hash)

	entries := pending(t, store, 4)
	require.Len(t, entries, 1)
	require.Equal(t, hash, entries[0].Tx.Hash)
}

func TestRequiredGasPriceLargeValues(t *testing.T) {
	ctrl, store := newController(t, nil)
	ctx := context.Background()

	ceil110 := func(v uint64) uint64 {
		n := new(big.Int).Mul(new(big.Int).SetUint64(v), big.NewInt(110))
		n.Add(n, big.NewInt(99))
		n.Div(n, big.NewInt(100))
		return n.Uint64()
	}

	for _, current := range []uint64{1 << 57, 1 << 60, 1 << 63, math.MaxUint64 / 110 * 100} {
		require.Equal(t, ceil110(current), ctrl.RequiredGasPrice(current), "current %d", current)
	}

	require.Equal(t, uint64(math.MaxUint64), ctrl.RequiredGasPrice(math.MaxUint64-1), "saturates instead of wrapping")
	require.Equal(t, uint64(math.MaxUint64), ctrl.RequiredGasPrice(math.MaxUint64))

	_, err := ctrl.Admit(ctx, tx(7, 100, 1<<60))
	require.NoError(t, err)

	res, err := ctrl.Admit(ctx, tx(7, 200, 1<<60+1))
	require.True(t, database.IsConflictError(err))
	require.Equal(t, database.ReasonInsufficientGasPrice, res.Reason)
	require.Equal(t, ceil110(1<<60), res.RequiredGasPrice)

	entries := pending(t, store, 7)
	require.Len(t, entries, 1)
	require.Equal(t, uint64(1<<60), entries[0].Tx.GasPrice)

	_, err = ctrl.Admit(ctx, tx(8, 100, math.MaxUint64))
	require.NoError(t, err)

	res, err = ctrl.Admit(ctx, tx(8, 200, math.MaxUint64))
	require.True(t, database.IsConflictError(err), "nothing replaces the highest price")
	require.Equal(t, admission.StatusRejected, res.Status)
}

// twoEntryStore returns a fixed set of pending entries for every key.
type twoEntryStore struct {
	entries []database.MempoolEntry
}

func (s twoEntryStore) Entries(ctx context.Context, from database.AccountID, nonce uint64) ([]database.MempoolEntry, error) {
	return s.entries, nil
}

func (s twoEntryStore) ReplaceEntry(ctx context.Context, entry database.MempoolEntry) (int, error) {
	return len(s.entries), nil
}

func (s twoEntryStore) IsNonceConfirmed(ctx context.Context, from database.AccountID, nonce uint64) (bool, error) {
	return false, nil
}

func (s twoEntryStore) Ledger(ctx context.Context, accountID database.AccountID) (database.Ledger, error) {
	return database.Ledger{}, nil
}

func (s twoEntryStore) SetBalance(ctx context.Context, accountID database.AccountID, balance uint64) error {
	return nil
}

func TestDuplicateReportsMatchedEntry(t *testing.T) {
	first := tx(3, 100, 50)
	first.EnsureHash()

	second := tx(3, 300, 50)
	second.EnsureHash()

	store := twoEntryStore{
		entries: []database.MempoolEntry{
			database.NewMempoolEntry(first, time.Now()),
			database.NewMempoolEntry(second, time.Now()),
		},
	}

	ctrl := admission.New(admission.Config{
		Storer:   store,
		Locker:   keylock.New(),
		LockWait: time.Second,
	})

	res, err := ctrl.Admit(context.Background(), tx(3, 300, 50))
	require.NoError(t, err)
	require.Equal(t, admission.StatusDuplicate, res.Status)
	require.Equal(t, second.Hash, res.Hash)
}
