// Package public maintains the group of handlers for public access.
package public

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/ardanlabs/txrelay/business/web/errs"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/proposer"
	"github.com/ardanlabs/txrelay/foundation/blockchain/state"
	"github.com/ardanlabs/txrelay/foundation/events"
	"github.com/ardanlabs/txrelay/foundation/keystore"
	"github.com/ardanlabs/txrelay/foundation/nameservice"
	"github.com/ardanlabs/txrelay/foundation/web"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Handlers manages the set of public node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
	NS    *nameservice.NameService
	WS    websocket.Upgrader
	Evts  *events.Events
}

// Events handles a web socket to provide events to a client.
func (h Handlers) Events(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	h.WS.CheckOrigin = func(r *http.Request) bool { return true }

	c, err := h.WS.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	defer c.Close()

	ch := h.Evts.Acquire(v.TraceID)
	defer h.Evts.Release(v.TraceID)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case msg, wd := <-ch:
			if !wd {
				return nil
			}

			if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
				return err
			}

		case <-ticker.C:
			if err := c.WriteMessage(websocket.PingMessage, []byte("ping")); err != nil {
				return nil
			}
		}
	}
}

// Genesis returns the genesis information.
func (h Handlers) Genesis(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	return web.Respond(ctx, w, h.State.Genesis(), http.StatusOK)
}

// Balance returns the derived balance for the account.
func (h Handlers) Balance(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	accountID, err := database.ToAccountID(web.Param(r, "account"))
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	bal, err := h.State.QueryBalance(ctx, accountID)
	if err != nil {
		return err
	}

	resp := struct {
		database.Balance
		Name string `json:"name,omitempty"`
	}{
		Balance: bal,
		Name:    h.NS.Lookup(bal.AccountID),
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	acct := database.AccountID(r.URL.Query().Get("account")).Canonical()

	entries, err := h.State.QueryMempool(ctx)
	if err != nil {
		return err
	}

	trans := make([]tx, 0, len(entries))
	for _, e := range entries {
		from := e.Tx.FromID.Canonical()
		to := e.Tx.ToID.Canonical()

		if acct != "" && acct != from && acct != to {
			continue
		}

		trans = append(trans, tx{
			Hash:      e.Tx.Hash,
			From:      from,
			FromName:  h.NS.Lookup(from),
			To:        to,
			ToName:    h.NS.Lookup(to),
			Value:     e.Tx.Value,
			Fee:       e.Tx.Fee,
			Nonce:     e.Tx.Nonce,
			GasPrice:  e.Tx.GasPrice,
			Kind:      e.Tx.Kind,
			Priority:  e.Priority,
			CreatedAt: e.Tx.CreatedAt,
		})
	}

	return web.Respond(ctx, w, trans, http.StatusOK)
}

// SubmitTx adds a transaction signed by a wallet to the mempool.
func (h Handlers) SubmitTx(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var st submitTx
	if err := web.Decode(r, &st); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	tx, err := st.toTx()
	if err != nil {
		return err
	}

	h.Log.Infow("submit tran", "traceid", v.TraceID, "from:nonce", tx, "to", tx.ToID, "value", tx.Value, "gas_price", tx.GasPrice)

	res, err := h.State.SubmitTx(ctx, tx)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, res, http.StatusOK)
}

// SubmitRawTx adds a hex encoded signed Ethereum transaction to the mempool.
func (h Handlers) SubmitRawTx(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var srt submitRawTx
	if err := web.Decode(r, &srt); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	res, err := h.State.SubmitRawTx(ctx, srt.RawTx)
	if err != nil {
		return err
	}

	h.Log.Infow("submit raw tran", "traceid", v.TraceID, "hash", res.Hash, "status", res.Status)

	return web.Respond(ctx, w, res, http.StatusOK)
}

// SendTx signs a transaction with the unlocked key of the sender and adds it
// to the mempool.
func (h Handlers) SendTx(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var st sendTx
	if err := web.Decode(r, &st); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	tx := database.Tx{
		FromID:   database.AccountID(st.From),
		ToID:     database.AccountID(st.To),
		Value:    st.Value,
		Fee:      st.Fee,
		Nonce:    st.Nonce,
		GasLimit: st.GasLimit,
		GasPrice: st.GasPrice,
	}

	res, err := h.State.SendTx(ctx, tx)
	if err != nil {
		if errors.Is(err, keystore.ErrLocked) {
			return errs.NewTrusted(err, http.StatusForbidden)
		}
		return err
	}

	return web.Respond(ctx, w, res, http.StatusOK)
}

// UnlockAccount loads the key for the named account so the node can sign on
// its behalf for a limited time.
func (h Handlers) UnlockAccount(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var u unlock
	if err := web.Decode(r, &u); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	var ttl time.Duration
	if u.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(u.TTL); err != nil {
			return errs.NewTrusted(fmt.Errorf("invalid ttl: %w", err), http.StatusBadRequest)
		}
	}

	accountID, expires, err := h.State.UnlockAccount(u.Name, ttl)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	return web.Respond(ctx, w, unlocked{Account: accountID, ExpiresAt: expires}, http.StatusOK)
}

// ProposeBlock runs a proposal check now instead of waiting for the worker.
func (h Handlers) ProposeBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	res, err := h.State.MaybePropose(ctx)
	if err != nil {
		if errors.Is(err, proposer.ErrProposalInProgress) {
			return errs.NewTrusted(err, http.StatusConflict)
		}
		return err
	}

	return web.Respond(ctx, w, res, http.StatusOK)
}
