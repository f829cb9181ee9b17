// Package worker implements transaction sharing, block proposal and peer
// maintenance for the node.
package worker

import (
	"sync"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/state"
)

// Default intervals for the background operations.
const (
	DefaultProposeInterval  = 12 * time.Second
	DefaultPeerInterval     = time.Minute
	DefaultRebroadcastAfter = 30 * time.Second
)

// maxTxShareRequests represents the max number of pending share requests
// that can be outstanding before share requests are dropped. The periodic
// re-broadcast picks up whatever is dropped here.
const maxTxShareRequests = 100

// Config holds the intervals the worker runs on.
type Config struct {
	ProposeInterval  time.Duration
	PeerInterval     time.Duration
	RebroadcastAfter time.Duration
	OpTimeout        time.Duration
}

// =============================================================================

// Worker manages the background workflows for the node.
type Worker struct {
	state            *state.State
	wg               sync.WaitGroup
	shut             chan struct{}
	startPropose     chan bool
	txSharing        chan broadcast.RelayRequest
	proposeInterval  time.Duration
	peerInterval     time.Duration
	rebroadcastAfter time.Duration
	opTimeout        time.Duration
	evHandler        state.EventHandler
}

// Run creates a worker, registers the worker with the state package, and
// starts up all the background processes.
func Run(st *state.State, cfg Config, evHandler state.EventHandler) *Worker {
	w := Worker{
		state:            st,
		shut:             make(chan struct{}),
		startPropose:     make(chan bool, 1),
		txSharing:        make(chan broadcast.RelayRequest, maxTxShareRequests),
		proposeInterval:  orDefault(cfg.ProposeInterval, DefaultProposeInterval),
		peerInterval:     orDefault(cfg.PeerInterval, DefaultPeerInterval),
		rebroadcastAfter: orDefault(cfg.RebroadcastAfter, DefaultRebroadcastAfter),
		opTimeout:        orDefault(cfg.OpTimeout, 30*time.Second),
		evHandler:        evHandler,
	}

	if w.evHandler == nil {
		w.evHandler = func(v string, args ...any) {}
	}

	// Register this worker with the state package.
	st.Worker = &w

	// Update this node before starting any support G's.
	w.Sync()

	// Load the set of operations we need to run.
	operations := []func(){
		w.peerOperations,
		w.proposeOperations,
		w.shareTxOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for range g {
		<-hasStarted
	}

	return &w
}

// =============================================================================
// These methods implement the state.Worker interface.

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// SignalPropose asks for a proposal check. If there is already a signal
// pending in the channel, just return since a check will run.
func (w *Worker) SignalPropose() {
	select {
	case w.startPropose <- true:
		w.evHandler("worker: SignalPropose: propose signaled")
	default:
	}
}

// SignalShareTx queues a transaction to be broadcast. If maxTxShareRequests
// signals exist in the channel, the request is dropped.
func (w *Worker) SignalShareTx(req broadcast.RelayRequest) {
	select {
	case w.txSharing <- req:
		w.evHandler("worker: SignalShareTx: share Tx signaled: hop[%d]", req.HopCount)
	default:
		w.evHandler("worker: SignalShareTx: queue full, transactions won't be shared.")
	}
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}

func orDefault(v time.Duration, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}
