package worker

import (
	"context"
)

// Sync updates the peer list, mempool and blocks.
func (w *Worker) Sync() {
	w.evHandler("worker: sync: started")
	defer w.evHandler("worker: sync: completed")

	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	peers, err := w.state.QueryKnownPeers(ctx)
	if err != nil {
		w.evHandler("worker: sync: ERROR: %s", err)
		return
	}

	for _, p := range peers {

		// Retrieve the status of this peer.
		status, err := w.requestPeerStatus(ctx, p)
		if err != nil {
			w.evHandler("worker: sync: queryPeerStatus: %s: ERROR: %s", p.Host, err)
			continue
		}

		// Retrieve the mempool from the peer.
		pool, err := w.state.Client().RequestPeerMempool(ctx, p)
		if err != nil {
			w.evHandler("worker: sync: retrievePeerMempool: %s: ERROR: %s", p.Host, err)
		}
		for _, e := range pool {
			res, err := w.state.UpsertPeerTx(ctx, e.Tx)
			if err != nil {
				w.evHandler("worker: sync: retrievePeerMempool: %s: tx[%s]: %s", p.Host, e.Tx.Hash, res)
			}
		}

		// If this peer has blocks we don't have, we need to add them.
		latest, err := w.state.QueryLatestBlock(ctx)
		if err != nil {
			w.evHandler("worker: sync: ERROR: %s", err)
			return
		}

		if status.LatestBlockNumber > latest.Header.Number {
			w.evHandler("worker: sync: retrievePeerBlocks: %s: latestBlockNumber[%d]", p.Host, status.LatestBlockNumber)

			if _, err := w.state.SyncBlocks(ctx, p); err != nil {
				w.evHandler("worker: sync: retrievePeerBlocks: %s: ERROR %s", p.Host, err)
			}
		}
	}
}
