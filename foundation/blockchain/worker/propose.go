package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/proposer"
)

// proposeOperations handles block proposal. A check runs when signaled and
// on every interval so entries that arrive slowly are still picked up.
func (w *Worker) proposeOperations() {
	w.evHandler("worker: proposeOperations: G started")
	defer w.evHandler("worker: proposeOperations: G completed")

	ticker := time.NewTicker(w.proposeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.startPropose:
			if !w.isShutdown() {
				w.runProposeOperation()
			}
		case <-ticker.C:
			if !w.isShutdown() {
				w.runProposeOperation()
			}
		case <-w.shut:
			w.evHandler("worker: proposeOperations: received shut signal")
			return
		}
	}
}

// runProposeOperation checks the mempool thresholds and proposes a block
// when one of them is met.
func (w *Worker) runProposeOperation() {
	w.evHandler("worker: runProposeOperation: started")
	defer w.evHandler("worker: runProposeOperation: completed")

	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	res, err := w.state.MaybePropose(ctx)
	switch {
	case errors.Is(err, proposer.ErrProposalInProgress):
		return

	case err != nil:
		w.evHandler("worker: runProposeOperation: ERROR: %s", err)
		return
	}

	if !res.Mined {
		w.evHandler("worker: runProposeOperation: %s: regular[%d]: raw[%d]", res.Reason, res.Regular, res.Raw)
		return
	}

	w.evHandler("viewer: block: blk[%d]: hash[%s]: trans[%d]: %s", res.Block.Header.Number, res.Block.Hash(), len(res.Block.Trans), res.Reason)
}
