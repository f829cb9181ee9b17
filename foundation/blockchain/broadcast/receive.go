package broadcast

import (
	"context"
	"errors"
	"slices"

	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
)

// Receive handles a push from a peer. The checks run in order: hop limit,
// loop, duplicate source and staleness. A transaction that passes them is
// admitted and, while hops remain, the result asks for a relay.
//
// Protocol outcomes and admission rejections are reported in the result. An
// error is only returned when the node could not process the push, such as a
// busy sender or a store failure, so the pushing peer may retry.
func (c *Coordinator) Receive(ctx context.Context, push Push) (ReceiveResult, error) {
	self := c.dir.Self()
	tx := push.Tx
	tx.EnsureHash()

	maxHops := c.maxHops
	if push.Instructions.MaxHops > 0 && push.Instructions.MaxHops < maxHops {
		maxHops = push.Instructions.MaxHops
	}

	if push.HopCount >= maxHops {
		c.evHandler("broadcast: Receive: tx[%s]: from[%s]: hop[%d]: hop limit exceeded", tx.Hash, push.SourceNode, push.HopCount)
		return ReceiveResult{Status: StatusHopLimitExceeded}, nil
	}

	if slices.Contains(push.Instructions.Path, self) {
		c.evHandler("broadcast: Receive: tx[%s]: from[%s]: loop detected", tx.Hash, push.SourceNode)
		return ReceiveResult{Status: StatusLoopDetected}, nil
	}

	now := c.nowFunc()

	if c.seen.maybe(tx.Hash, push.SourceNode, now) {
		_, err := c.storer.GetTracking(ctx, tx.Hash, push.SourceNode, now)
		switch {
		case err == nil:
			c.evHandler("broadcast: Receive: tx[%s]: from[%s]: duplicate source", tx.Hash, push.SourceNode)
			return ReceiveResult{Status: StatusDuplicateSource}, nil

		case !errors.Is(err, database.ErrNotFound):
			return ReceiveResult{}, database.NewPersistenceError("get tracking", err)
		}
	}

	created := tx.CreatedAt
	if created.IsZero() {
		created = push.Timestamp
	}

	if !created.IsZero() && now.Sub(created) > c.staleWindow {
		c.evHandler("broadcast: Receive: tx[%s]: from[%s]: stale, created %s", tx.Hash, push.SourceNode, created)
		return ReceiveResult{Status: StatusStale}, nil
	}

	res, err := c.admitter.Admit(ctx, tx)
	if err != nil {
		if database.IsValidationError(err) || database.IsConflictError(err) {
			return ReceiveResult{Status: StatusRejected, Admission: res}, nil
		}
		return ReceiveResult{}, err
	}

	rec := database.TrackingRecord{
		TxHash:      tx.Hash,
		SourceNode:  push.SourceNode,
		CurrentNode: self,
		HopCount:    push.HopCount,
		Path:        slices.Clone(push.Instructions.Path),
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.trackingTTL),
	}

	if err := c.storer.UpsertTracking(ctx, rec); err != nil {
		return ReceiveResult{}, database.NewPersistenceError("upsert tracking", err)
	}
	c.seen.add(tx.Hash, push.SourceNode, now)

	result := ReceiveResult{
		Status:    StatusAccepted,
		Admission: res,
	}

	if push.HopCount < maxHops-1 {
		result.Relay = &RelayRequest{
			Tx:       tx,
			HopCount: push.HopCount + 1,
			Path:     slices.Clone(push.Instructions.Path),
			Hint:     slices.Clone(push.Instructions.Hint),
		}
	}

	c.evHandler("broadcast: Receive: tx[%s]: from[%s]: hop[%d]: %s: relay[%t]", tx.Hash, push.SourceNode, push.HopCount, res, result.Relay != nil)

	return result, nil
}
