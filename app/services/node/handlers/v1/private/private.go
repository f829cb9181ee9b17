// Package private maintains the group of handlers for node to node access.
package private

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/ardanlabs/txrelay/business/sys/validate"
	"github.com/ardanlabs/txrelay/business/web/errs"
	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/state"
	"github.com/ardanlabs/txrelay/foundation/web"
	"go.uber.org/zap"
)

// Handlers manages the set of node to node endpoints.
type Handlers struct {
	Log   *zap.SugaredLogger
	State *state.State
}

// addPeer is a node announcing itself.
type addPeer struct {
	Host string `json:"host" validate:"required,hostname_port"`
}

// Validate checks the data in the model is considered clean.
func (ap addPeer) Validate() error {
	return validate.Check(ap)
}

// Status returns the current status of the node.
func (h Handlers) Status(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	status, err := h.State.QueryStatus(ctx)
	if err != nil {
		return err
	}

	return web.Respond(ctx, w, status, http.StatusOK)
}

// AddPeer adds a node announcing itself to the known peers.
func (h Handlers) AddPeer(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var ap addPeer
	if err := web.Decode(r, &ap); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	added, err := h.State.AddKnownPeer(ctx, ap.Host)
	if err != nil {
		return err
	}

	if added {
		h.Log.Infow("add peer", "traceid", v.TraceID, "host", ap.Host)
	}

	return web.Respond(ctx, w, nil, http.StatusNoContent)
}

// Topology returns the nodes this node can reach directly. Passing all=true
// returns every edge known to this node instead.
func (h Handlers) Topology(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	var edges []database.TopologyEdge
	var err error

	switch r.URL.Query().Get("all") {
	case "true":
		edges, err = h.State.QueryTopology(ctx)
	default:
		edges, err = h.State.QueryAdjacency(ctx)
	}
	if err != nil {
		return err
	}

	if edges == nil {
		edges = []database.TopologyEdge{}
	}

	return web.Respond(ctx, w, edges, http.StatusOK)
}

// ReceiveBroadcast handles a transaction pushed by a peer. Protocol outcomes
// and admission rejections are reported in the response with a 200.
func (h Handlers) ReceiveBroadcast(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var push broadcast.Push
	if err := web.Decode(r, &push); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	res, err := h.State.ReceiveBroadcast(ctx, push)
	if err != nil {
		return err
	}

	h.Log.Infow("receive broadcast", "traceid", v.TraceID, "tx", push.Tx.Hash, "source", push.SourceNode, "hop", push.HopCount, "status", res.Status)

	return web.Respond(ctx, w, res, http.StatusOK)
}

// ProposeBlock takes a block received from a peer, validates it and
// if that passes, adds the block to the local blockchain.
func (h Handlers) ProposeBlock(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	v, err := web.GetValues(ctx)
	if err != nil {
		return web.NewShutdownError("web value missing from context")
	}

	var block database.Block
	if err := web.Decode(r, &block); err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if err := h.State.ProcessProposedBlock(ctx, block); err != nil {
		if errors.Is(err, database.ErrChainForked) {
			h.Log.Infow("propose block", "traceid", v.TraceID, "status", "chain forked", "number", block.Header.Number)
		}

		if database.IsPersistenceError(err) {
			return err
		}

		return errs.NewTrusted(errors.New("block not accepted"), http.StatusNotAcceptable)
	}

	resp := struct {
		Status string `json:"status"`
	}{
		Status: "accepted",
	}

	return web.Respond(ctx, w, resp, http.StatusOK)
}

// Mempool returns the set of uncommitted transactions.
func (h Handlers) Mempool(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	entries, err := h.State.QueryMempool(ctx)
	if err != nil {
		return err
	}

	if entries == nil {
		entries = []database.MempoolEntry{}
	}

	return web.Respond(ctx, w, entries, http.StatusOK)
}

// BlocksByNumber returns all the blocks based on the specified to/from values.
func (h Handlers) BlocksByNumber(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	fromStr := web.Param(r, "from")
	if fromStr == "latest" || fromStr == "" {
		fromStr = strconv.FormatUint(state.QueryLatest, 10)
	}

	toStr := web.Param(r, "to")
	if toStr == "latest" || toStr == "" {
		toStr = strconv.FormatUint(state.QueryLatest, 10)
	}

	from, err := strconv.ParseUint(fromStr, 10, 64)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}
	to, err := strconv.ParseUint(toStr, 10, 64)
	if err != nil {
		return errs.NewTrusted(err, http.StatusBadRequest)
	}

	if from > to {
		return errs.NewTrusted(errors.New("from greater than to"), http.StatusBadRequest)
	}

	blocks, err := h.State.QueryBlocksByNumber(ctx, from, to)
	if err != nil {
		return err
	}

	if len(blocks) == 0 {
		return web.Respond(ctx, w, nil, http.StatusNoContent)
	}

	return web.Respond(ctx, w, blocks, http.StatusOK)
}
