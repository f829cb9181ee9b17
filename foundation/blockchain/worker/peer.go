package worker

import (
	"context"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/peer"
)

// peerOperations handles the maintenance of the peer network.
func (w *Worker) peerOperations() {
	w.evHandler("worker: peerOperations: G started")
	defer w.evHandler("worker: peerOperations: G completed")

	ticker := time.NewTicker(w.peerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !w.isShutdown() {
				w.runPeersOperation()
				w.runTopologyOperation()
				w.runRebroadcastOperation()
				w.runPurgeOperation()
			}
		case <-w.shut:
			w.evHandler("worker: peerOperations: received shut signal")
			return
		}
	}
}

// runPeersOperation asks every known peer for its status, adds the peers it
// knows about and lets the peers know this node is available to chat.
func (w *Worker) runPeersOperation() {
	w.evHandler("worker: runPeersOperation: started")
	defer w.evHandler("worker: runPeersOperation: completed")

	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	peers, err := w.state.QueryKnownPeers(ctx)
	if err != nil {
		w.evHandler("worker: runPeersOperation: ERROR: %s", err)
		return
	}

	for _, p := range peers {
		if _, err := w.requestPeerStatus(ctx, p); err != nil {
			w.evHandler("worker: runPeersOperation: queryPeerStatus: %s: ERROR: %s", p.Host, err)
		}
	}

	peers, err = w.state.QueryKnownPeers(ctx)
	if err != nil {
		w.evHandler("worker: runPeersOperation: ERROR: %s", err)
		return
	}

	for _, p := range peers {
		if err := w.state.Client().RequestAddPeer(ctx, p); err != nil {
			w.evHandler("worker: runPeersOperation: addPeer: %s: ERROR: %s", p.Host, err)
		}
	}
}

// requestPeerStatus retrieves the status of the peer, records how the call
// went against its reputation and adds the peers it knows.
func (w *Worker) requestPeerStatus(ctx context.Context, p peer.Peer) (peer.PeerStatus, error) {
	dir := w.state.Directory()

	start := time.Now()
	status, err := w.state.Client().RequestPeerStatus(ctx, p)
	if err != nil {
		dir.RecordFailure(ctx, p.NodeID, time.Since(start))
		return peer.PeerStatus{}, err
	}
	dir.RecordSuccess(ctx, p.NodeID, time.Since(start))

	w.addNewPeers(ctx, status.KnownPeers)

	return status, nil
}

// addNewPeers takes the list of known peers and makes sure they are included
// in the nodes list of known peers.
func (w *Worker) addNewPeers(ctx context.Context, knownPeers []peer.Peer) {
	for _, p := range knownPeers {
		added, err := w.state.AddKnownPeer(ctx, p.Host)
		if err != nil {
			w.evHandler("worker: addNewPeers: %s: ERROR: %s", p.Host, err)
			continue
		}

		if added {
			w.evHandler("viewer: peer: adding peer-node %s", p.Host)
		}
	}
}

// runTopologyOperation refreshes the topology cache when it went stale.
func (w *Worker) runTopologyOperation() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	status, err := w.state.RefreshTopology(ctx)
	if err != nil {
		w.evHandler("worker: runTopologyOperation: ERROR: %s", err)
		return
	}

	if status.Refreshed {
		w.evHandler("worker: runTopologyOperation: queried[%d]: responded[%d]: edges[%d]", status.Queried, status.Responded, status.Edges)
	}
}

// runRebroadcastOperation queues the pending transactions that have been
// waiting a while without reaching any peer for another broadcast. These
// are transactions whose share request was dropped or failed everywhere.
func (w *Worker) runRebroadcastOperation() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	entries, err := w.state.QueryMempool(ctx)
	if err != nil {
		w.evHandler("worker: runRebroadcastOperation: ERROR: %s", err)
		return
	}

	self := w.state.Host()
	cutoff := time.Now().Add(-w.rebroadcastAfter)

	var queued int
	for _, e := range entries {
		if e.InsertedAt.After(cutoff) {
			continue
		}

		recs, err := w.state.QueryTracking(ctx, e.Tx.Hash)
		if err != nil {
			w.evHandler("worker: runRebroadcastOperation: tx[%s]: ERROR: %s", e.Tx.Hash, err)
			continue
		}

		if propagated(recs, self) {
			continue
		}

		w.SignalShareTx(broadcast.RelayRequest{Tx: e.Tx})
		queued++
	}

	if queued > 0 {
		w.evHandler("worker: runRebroadcastOperation: queued[%d]", queued)
	}
}

// runPurgeOperation removes the expired tracking records.
func (w *Worker) runPurgeOperation() {
	ctx, cancel := context.WithTimeout(context.Background(), w.opTimeout)
	defer cancel()

	purged, err := w.state.PurgeTracking(ctx)
	if err != nil {
		w.evHandler("worker: runPurgeOperation: ERROR: %s", err)
		return
	}

	if purged > 0 {
		w.evHandler("worker: runPurgeOperation: purged[%d]", purged)
	}
}

// propagated reports whether the tracking records show the transaction left
// this node or arrived from a peer.
func propagated(recs []database.TrackingRecord, self string) bool {
	for _, rec := range recs {
		if rec.SourceNode != self || len(rec.Covered) > 0 {
			return true
		}
	}
	return false
}
