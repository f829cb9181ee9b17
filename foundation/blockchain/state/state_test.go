package state_test

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/admission"
	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/genesis"
	"github.com/ardanlabs/txrelay/foundation/blockchain/mempool/selector"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/poa"
	"github.com/ardanlabs/txrelay/foundation/blockchain/state"
	"github.com/ardanlabs/txrelay/foundation/blockchain/storage/memory"
	"github.com/ardanlabs/txrelay/foundation/events"
	"github.com/ardanlabs/txrelay/foundation/keystore"
	"github.com/ardanlabs/txrelay/foundation/logger"
	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

const (
	chainID   = 1
	recipient = database.AccountID("0xF01813E4B85e178A83e29B8E7bF26BD830a25f32")
)

// worker records the signals raised by the state.
type worker struct {
	mu      sync.Mutex
	shares  []broadcast.RelayRequest
	propose int
}

func (w *worker) Shutdown() {}

func (w *worker) SignalShareTx(req broadcast.RelayRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.shares = append(w.shares, req)
}

func (w *worker) SignalPropose() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.propose++
}

func (w *worker) counts() (int, int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.shares), w.propose
}

type node struct {
	state     *state.State
	worker    *worker
	authority *poa.Authority
}

func newNode(t *testing.T, host string, sender *ecdsa.PrivateKey, authorities ...database.AccountID) node {
	log, err := logger.New("TEST")
	require.NoError(t, err)
	t.Cleanup(func() { log.Sync() })

	evts := events.New()
	t.Cleanup(evts.Shutdown)

	ev := func(v string, args ...any) {
		const websocketPrefix = "viewer:"

		s := fmt.Sprintf(v, args...)
		log.Infow(s, "traceid", "00000000-0000-0000-0000-000000000000")
		if strings.HasPrefix(s, websocketPrefix) {
			evts.Send(s)
		}
	}

	gen := genesis.Genesis{
		Date:      time.Now(),
		ChainID:   chainID,
		GasPrice:  1,
		GasLimit:  21_000,
		MinAmount: 1,
		Balances: map[string]uint64{
			string(database.PublicKeyToAccountID(sender.PublicKey)): 1_000_000_000,
		},
	}

	storage, err := memory.New(gen, selector.StrategyPriority)
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	authority := poa.New(key, authorities...)

	st, err := state.New(state.Config{
		Host:      host,
		Genesis:   gen,
		Storage:   storage,
		Authority: authority,
		Keystore:  keystore.New(t.TempDir(), time.Minute),
		EvHandler: ev,
	})
	require.NoError(t, err)

	w := worker{}
	st.Worker = &w

	return node{state: st, worker: &w, authority: authority}
}

func signedTx(t *testing.T, pk *ecdsa.PrivateKey, nonce uint64) database.Tx {
	tx := database.Tx{
		ToID:     recipient,
		Value:    100,
		Fee:      1,
		Nonce:    nonce,
		GasLimit: 21_000,
		GasPrice: 10,
	}

	signed, err := tx.Sign(pk)
	require.NoError(t, err)

	return signed
}

func rawTx(t *testing.T, pk *ecdsa.PrivateKey, chain int64, nonce uint64) (string, string) {
	to := common.HexToAddress(string(recipient))

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(10),
		Gas:      21_000,
		To:       &to,
		Value:    big.NewInt(500),
	})

	signed, err := types.SignTx(tx, types.NewEIP155Signer(big.NewInt(chain)), pk)
	require.NoError(t, err)

	raw, err := signed.MarshalBinary()
	require.NoError(t, err)

	return hexutil.Encode(raw), signed.Hash().Hex()
}

func TestSubmitAndPropose(t *testing.T) {
	sender, err := crypto.GenerateKey()
	require.NoError(t, err)

	nd := newNode(t, "localhost:9080", sender)
	ctx := context.Background()

	for nonce := uint64(1); nonce <= 5; nonce++ {
		res, err := nd.state.SubmitTx(ctx, signedTx(t, sender, nonce))
		require.NoError(t, err)
		require.Equal(t, admission.StatusAdded, res.Status)
	}

	shares, propose := nd.worker.counts()
	require.Equal(t, 5, shares)
	require.Equal(t, 5, propose)

	tampered := signedTx(t, sender, 6)
	tampered.Value = 1_000
	res, err := nd.state.SubmitTx(ctx, tampered)
	require.True(t, database.IsValidationError(err))
	require.Equal(t, database.ReasonInvalidSignature, res.Reason)

	result, err := nd.state.MaybePropose(ctx)
	require.NoError(t, err)
	require.True(t, result.Mined)
	require.Equal(t, uint64(1), result.Block.Header.Number)
	require.Len(t, result.Block.Trans, 5)

	entries, err := nd.state.QueryMempool(ctx)
	require.NoError(t, err)
	require.Empty(t, entries)

	bal, err := nd.state.QueryBalance(ctx, recipient)
	require.NoError(t, err)
	require.Equal(t, uint64(500), bal.Balance)

	bal, err = nd.state.QueryBalance(ctx, nd.authority.AccountID())
	require.NoError(t, err)
	require.Equal(t, uint64(5), bal.Balance, "the proposer earns the fees")

	status, err := nd.state.QueryStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, "localhost:9080", status.NodeID)
	require.Equal(t, uint64(1), status.LatestBlockNumber)
	require.Equal(t, result.Block.Hash(), status.LatestBlockHash)

	_, err = nd.state.SubmitTx(ctx, signedTx(t, sender, 3))
	require.True(t, database.IsConflictError(err), "a confirmed nonce can't be reused")
}

func TestProcessProposedBlock(t *testing.T) {
	sender, err := crypto.GenerateKey()
	require.NoError(t, err)

	a := newNode(t, "node-a:9080", sender)
	b := newNode(t, "node-b:9080", sender, a.authority.AccountID())
	ctx := context.Background()

	for nonce := uint64(1); nonce <= 5; nonce++ {
		tx := signedTx(t, sender, nonce)

		_, err := a.state.SubmitTx(ctx, tx)
		require.NoError(t, err)

		_, err = b.state.SubmitTx(ctx, tx)
		require.NoError(t, err)
	}

	result, err := a.state.MaybePropose(ctx)
	require.NoError(t, err)
	require.True(t, result.Mined)

	require.NoError(t, b.state.ProcessProposedBlock(ctx, *result.Block))

	entries, err := b.state.QueryMempool(ctx)
	require.NoError(t, err)
	require.Empty(t, entries, "included entries are dropped from the mempool")

	latest, err := b.state.QueryLatestBlock(ctx)
	require.NoError(t, err)
	require.Equal(t, result.Block.Hash(), latest.Hash())

	require.Error(t, b.state.ProcessProposedBlock(ctx, *result.Block), "the same block can't be applied twice")

	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	rogue := poa.New(key)

	block, err := rogue.AssembleAndSign(ctx, latest.Header.Number+1, latest.Hash(), nil)
	require.NoError(t, err)
	require.Error(t, b.state.ProcessProposedBlock(ctx, block), "only authorities can propose")

	blocks, err := b.state.QueryBlocksByNumber(ctx, 0, state.QueryLatest)
	require.NoError(t, err)
	require.Len(t, blocks, 2)
}

func TestSubmitRawTx(t *testing.T) {
	sender, err := crypto.GenerateKey()
	require.NoError(t, err)

	nd := newNode(t, "localhost:9080", sender)
	ctx := context.Background()

	raw, hash := rawTx(t, sender, chainID, 1)

	res, err := nd.state.SubmitRawTx(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, admission.StatusAdded, res.Status)
	require.Equal(t, hash, res.Hash)

	entry, err := nd.state.QueryMempoolEntry(ctx, strings.TrimPrefix(hash, "0x"))
	require.NoError(t, err)
	require.Equal(t, database.KindRaw, entry.Tx.Kind)
	require.Equal(t, database.PublicKeyToAccountID(sender.PublicKey), entry.Tx.FromID.Canonical())

	result, err := nd.state.MaybePropose(ctx)
	require.NoError(t, err)
	require.True(t, result.Mined, "a raw transaction triggers a block")

	other, _ := rawTx(t, sender, 5, 2)
	res, err = nd.state.SubmitRawTx(ctx, other)
	require.True(t, database.IsValidationError(err))
	require.Equal(t, admission.StatusRejected, res.Status)

	_, err = nd.state.SubmitRawTx(ctx, "0xzz")
	require.True(t, database.IsValidationError(err))
}

func TestSendTx(t *testing.T) {
	sender, err := crypto.GenerateKey()
	require.NoError(t, err)

	nd := newNode(t, "localhost:9080", sender)
	ctx := context.Background()

	tx := database.Tx{
		FromID: database.PublicKeyToAccountID(sender.PublicKey),
		ToID:   recipient,
		Value:  50,
		Nonce:  1,
	}

	_, err = nd.state.SendTx(ctx, tx)
	require.True(t, errors.Is(err, keystore.ErrLocked))

	_, _, err = nd.state.UnlockAccount("missing", time.Minute)
	require.Error(t, err)
}

func TestReceiveBroadcast(t *testing.T) {
	sender, err := crypto.GenerateKey()
	require.NoError(t, err)

	nd := newNode(t, "node-b:9080", sender)
	ctx := context.Background()

	tx := signedTx(t, sender, 1)
	tx.CreatedAt = time.Now()

	push := broadcast.Push{
		Tx:         tx,
		SourceNode: "node-a:9080",
		Timestamp:  time.Now(),
		Instructions: broadcast.Instructions{
			Path:    []string{"node-a:9080"},
			MaxHops: 3,
		},
	}

	res, err := nd.state.ReceiveBroadcast(ctx, push)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusAccepted, res.Status)

	shares, propose := nd.worker.counts()
	require.Equal(t, 1, shares)
	require.Equal(t, 1, propose)
	require.Equal(t, 1, nd.worker.shares[0].HopCount)
	require.Equal(t, []string{"node-a:9080"}, nd.worker.shares[0].Path)

	res, err = nd.state.ReceiveBroadcast(ctx, push)
	require.NoError(t, err)
	require.Equal(t, broadcast.StatusDuplicateSource, res.Status)

	recs, err := nd.state.QueryTracking(ctx, tx.Hash)
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestClient(t *testing.T) {
	edges := `[{"source":"peer:1","target":"peer:2","strength":0.5,"type":"direct","expires_at":"2100-01-01T00:00:00Z"}]`

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/node/topology":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(edges))
		case "/v1/node/tx/broadcast":
			http.Error(w, `{"error":"bad push"}`, http.StatusBadRequest)
		default:
			http.Error(w, "boom", http.StatusInternalServerError)
		}
	}))
	host := strings.TrimPrefix(srv.URL, "http://")

	client := state.NewClient("self:9080", time.Second, time.Second)
	ctx := context.Background()
	p := peer.New(host)

	got, err := client.QueryTopology(ctx, p)
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, "peer:2", got[0].Target)

	err = client.SendTx(ctx, p, broadcast.Push{})
	var perm *backoff.PermanentError
	require.True(t, errors.As(err, &perm), "client errors are not retried")

	_, err = client.RequestPeerStatus(ctx, p)
	require.Error(t, err)
	require.False(t, errors.As(err, &perm), "server errors are retried")

	srv.Close()

	_, err = client.RequestPeerStatus(ctx, p)
	require.True(t, errors.Is(err, database.ErrNetworkUnavailable))
}
