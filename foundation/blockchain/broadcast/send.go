package broadcast

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"
)

// Broadcast starts the dissemination of a transaction admitted on this node.
func (c *Coordinator) Broadcast(ctx context.Context, tx database.Tx) (Result, error) {
	return c.Relay(ctx, RelayRequest{Tx: tx})
}

// Relay pushes the transaction to the best peers that haven't seen it yet.
// The path of the request is the path traversed before this node. A failure
// to reach peers is reported in the result and never undoes the admission.
func (c *Coordinator) Relay(ctx context.Context, req RelayRequest) (Result, error) {
	self := c.dir.Self()
	tx := req.Tx

	if _, err := c.topo.EnsureFresh(ctx); err != nil {
		c.evHandler("broadcast: Relay: tx[%s]: topology: ERROR: %s", tx.Hash, err)
	}

	path := append(slices.Clone(req.Path), self)

	// Nodes that already hold the transaction are never pushed to.
	reached := make(map[string]bool)
	for _, id := range path {
		reached[id] = true
	}

	now := c.nowFunc()

	records, err := c.storer.QueryTracking(ctx, tx.Hash, now)
	if err != nil {
		return Result{}, database.NewPersistenceError("query tracking", err)
	}

	var prior database.TrackingRecord
	for _, rec := range records {
		for _, id := range rec.Reached() {
			reached[id] = true
		}
		if rec.SourceNode == self {
			prior = rec
		}
	}

	active, err := c.dir.Active(ctx)
	if err != nil {
		return Result{}, err
	}

	var candidates []peer.Peer
	for _, p := range active {
		if !reached[p.NodeID] {
			candidates = append(candidates, p)
		}
	}

	if len(candidates) == 0 {
		c.evHandler("broadcast: Relay: tx[%s]: no uncovered peers", tx.Hash)
		return Result{SuccessRate: 1}, nil
	}

	targets, err := c.topo.SelectPeersForReplica(ctx, candidates, c.batchSize, req.Hint)
	if err != nil {
		return Result{}, err
	}

	hints := c.fanoutHints(ctx, targets, reached)

	c.evHandler("broadcast: Relay: tx[%s]: hop[%d]: targets[%d]", tx.Hash, req.HopCount, len(targets))

	type outcome struct {
		peer    peer.Peer
		err     error
		latency time.Duration
	}

	var mu sync.Mutex
	outcomes := make([]outcome, 0, len(targets))

	g := new(errgroup.Group)
	g.SetLimit(c.concurrency)

	for _, p := range targets {
		push := Push{
			Tx:         tx,
			SourceNode: self,
			Timestamp:  now.UTC(),
			HopCount:   req.HopCount,
			Instructions: Instructions{
				Path:    path,
				MaxHops: c.maxHops,
				Hint:    hints[p.NodeID],
			},
		}

		g.Go(func() error {
			latency, err := c.push(ctx, p, push)

			mu.Lock()
			outcomes = append(outcomes, outcome{peer: p, err: err, latency: latency})
			mu.Unlock()

			return nil
		})
	}

	g.Wait()

	result := Result{Contacted: len(outcomes)}
	covered := slices.Clone(prior.Covered)

	for _, o := range outcomes {
		if o.err != nil {
			result.Failed++
			c.evHandler("broadcast: Relay: tx[%s]: peer[%s]: ERROR: %s", tx.Hash, o.peer.NodeID, o.err)
			if _, err := c.dir.RecordFailure(ctx, o.peer.NodeID, o.latency); err != nil {
				c.evHandler("broadcast: Relay: peer[%s]: reputation: ERROR: %s", o.peer.NodeID, err)
			}
			continue
		}

		result.Successful++
		result.Coverage = append(result.Coverage, o.peer.NodeID)
		covered = append(covered, o.peer.NodeID)
		if _, err := c.dir.RecordSuccess(ctx, o.peer.NodeID, o.latency); err != nil {
			c.evHandler("broadcast: Relay: peer[%s]: reputation: ERROR: %s", o.peer.NodeID, err)
		}
	}

	slices.Sort(result.Coverage)
	slices.Sort(covered)

	rec := database.TrackingRecord{
		TxHash:      tx.Hash,
		SourceNode:  self,
		CurrentNode: self,
		HopCount:    req.HopCount,
		Path:        path,
		Covered:     slices.Compact(covered),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.trackingTTL),
	}
	if !prior.CreatedAt.IsZero() {
		rec.CreatedAt = prior.CreatedAt
	}

	// A round that reached nobody leaves no record behind so the
	// transaction is still picked up for another round.
	switch {
	case result.Successful == 0 && prior.CreatedAt.IsZero():
		c.evHandler("broadcast: Relay: tx[%s]: no peer reached, not tracked", tx.Hash)

	default:
		if err := c.storer.UpsertTracking(ctx, rec); err != nil {
			c.evHandler("broadcast: Relay: tx[%s]: tracking: ERROR: %s", tx.Hash, err)
		}
		c.seen.add(tx.Hash, self, now)
	}

	if result.Contacted > 0 {
		result.SuccessRate = float64(result.Successful) / float64(result.Contacted)
	}
	result.BelowMinimum = result.SuccessRate < c.minSuccessRate

	if result.BelowMinimum {
		c.evHandler("broadcast: Relay: tx[%s]: WARNING: success rate %.2f below minimum %.2f", tx.Hash, result.SuccessRate, c.minSuccessRate)
	}

	return result, nil
}

// push sends the push to the peer, retrying with an exponential backoff.
// The latency of the last attempt is returned.
func (c *Coordinator) push(ctx context.Context, p peer.Peer, push Push) (time.Duration, error) {
	var latency time.Duration

	operation := func() error {
		start := time.Now()

		ctx, cancel := context.WithTimeout(ctx, c.pushTimeout)
		defer cancel()

		err := c.sender.SendTx(ctx, p, push)
		latency = time.Since(start)

		return err
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = c.retryInterval
	eb.MaxInterval = 10 * c.retryInterval
	eb.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(c.retryAttempts-1)), ctx)

	notify := func(err error, next time.Duration) {
		c.evHandler("broadcast: push: peer[%s]: retry in %v: %s", p.NodeID, next, err)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		var perr *backoff.PermanentError
		if errors.As(err, &perr) {
			return latency, perr.Err
		}
		return latency, err
	}

	return latency, nil
}

// fanoutHints computes, for each target, the nodes the target can reach
// that are not being pushed to in this round and haven't been reached.
func (c *Coordinator) fanoutHints(ctx context.Context, targets []peer.Peer, reached map[string]bool) map[string][]string {
	selected := make(map[string]bool, len(targets))
	for _, p := range targets {
		selected[p.NodeID] = true
	}

	hints := make(map[string][]string, len(targets))
	for _, p := range targets {
		neighbors, err := c.topo.Neighbors(ctx, p.NodeID)
		if err != nil {
			c.evHandler("broadcast: fanoutHints: peer[%s]: ERROR: %s", p.NodeID, err)
			continue
		}

		var hint []string
		for _, n := range neighbors {
			if len(hint) == c.maxConnections {
				break
			}
			if !selected[n] && !reached[n] {
				hint = append(hint, n)
			}
		}
		hints[p.NodeID] = hint
	}

	return hints
}
