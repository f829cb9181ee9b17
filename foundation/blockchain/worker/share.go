package worker

import (
	"context"

	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
)

// shareTxOperations handles broadcasting and relaying transactions.
func (w *Worker) shareTxOperations() {
	w.evHandler("worker: shareTxOperations: G started")
	defer w.evHandler("worker: shareTxOperations: G completed")

	for {
		select {
		case req := <-w.txSharing:
			if !w.isShutdown() {
				w.runShareTxOperation(req)
			}
		case <-w.shut:
			w.evHandler("worker: shareTxOperations: received shut signal")
			return
		}
	}
}

// runShareTxOperation pushes the transaction to the best peers. A request
// with a hop count is a relay of a transaction received from a peer.
func (w *Worker) runShareTxOperation(req broadcast.RelayRequest) {
	w.evHandler("worker: runShareTxOperation: started")
	defer w.evHandler("worker: runShareTxOperation: completed")

	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	res, err := w.state.Broadcast(ctx, req)
	if err != nil {
		w.evHandler("worker: runShareTxOperation: tx[%s]: ERROR: %s", req.Tx.Hash, err)
		return
	}

	if res.BelowMinimum {
		w.evHandler("worker: runShareTxOperation: tx[%s]: WARNING: success rate %.2f below minimum", req.Tx.Hash, res.SuccessRate)
	}

	w.evHandler("viewer: share: tx[%s]: hop[%d]: contacted[%d]: successful[%d]: failed[%d]", req.Tx.Hash, req.HopCount, res.Contacted, res.Successful, res.Failed)
}
