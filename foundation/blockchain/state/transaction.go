package state

import (
	"context"
	"errors"
	"time"

	"github.com/ardanlabs/txrelay/foundation/blockchain/admission"
	"github.com/ardanlabs/txrelay/foundation/blockchain/broadcast"
	"github.com/ardanlabs/txrelay/foundation/blockchain/database"
	"github.com/ardanlabs/txrelay/foundation/blockchain/signature"
)

var errNoKeystore = errors.New("no keystore configured")

// SubmitTx accepts a signed transaction from a wallet for inclusion. A
// transaction that changes the mempool is shared with the peers and the
// proposer is signaled.
func (s *State) SubmitTx(ctx context.Context, tx database.Tx) (admission.Result, error) {
	tx.Kind = database.KindRegular

	if err := tx.VerifySignature(); err != nil {
		err := database.NewValidationError(database.ReasonInvalidSignature, "%s", err)
		return s.recordAdmission(admission.Result{Status: admission.StatusRejected, Reason: database.ReasonInvalidSignature}, err)
	}

	return s.admit(ctx, tx)
}

// SubmitRawTx accepts a hex encoded signed Ethereum transaction. The sender
// is recovered from the signature and the transaction hash is kept as the
// authoritative hash.
func (s *State) SubmitRawTx(ctx context.Context, rawHex string) (admission.Result, error) {
	rtx, err := signature.DecodeRawTx(rawHex)
	if err != nil {
		err := database.NewValidationError(database.ReasonInvalidSignature, "decode raw tx: %s", err)
		return s.recordAdmission(admission.Result{Status: admission.StatusRejected, Reason: database.ReasonInvalidSignature}, err)
	}

	if s.genesis.ChainID != 0 && rtx.ChainID != s.genesis.ChainID {
		err := database.NewValidationError(database.ReasonInvalidSignature, "signed for chain %d, exp %d", rtx.ChainID, s.genesis.ChainID)
		return s.recordAdmission(admission.Result{Status: admission.StatusRejected, Hash: rtx.Hash, Reason: database.ReasonInvalidSignature}, err)
	}

	tx, err := database.FromRawTx(rtx, time.Now().UTC())
	if err != nil {
		err := database.NewValidationError(database.ReasonInvalidAccount, "%s", err)
		return s.recordAdmission(admission.Result{Status: admission.StatusRejected, Hash: rtx.Hash, Reason: database.ReasonInvalidAccount}, err)
	}

	return s.admit(ctx, tx)
}

// SendTx signs the transaction with the unlocked key of the from account and
// submits it.
func (s *State) SendTx(ctx context.Context, tx database.Tx) (admission.Result, error) {
	if s.keystore == nil {
		return admission.Result{}, errNoKeystore
	}

	if tx.GasPrice == 0 {
		tx.GasPrice = s.genesis.GasPrice
	}
	if tx.GasLimit == 0 {
		tx.GasLimit = s.genesis.GasLimit
	}

	signed, err := s.keystore.Sign(tx)
	if err != nil {
		return admission.Result{}, err
	}

	return s.admit(ctx, signed)
}

// ReceiveBroadcast handles a transaction pushed by a peer. An accepted
// transaction is queued for relay and the proposer is signaled.
func (s *State) ReceiveBroadcast(ctx context.Context, push broadcast.Push) (broadcast.ReceiveResult, error) {
	res, err := s.broadcast.Receive(ctx, push)
	if err != nil {
		s.metrics.Receives.WithLabelValues("error").Inc()
		return res, err
	}

	s.metrics.Receives.WithLabelValues(res.Status).Inc()

	if res.Status != broadcast.StatusAccepted {
		return res, nil
	}

	if res.Relay != nil && s.Worker != nil {
		s.Worker.SignalShareTx(*res.Relay)
	}

	if res.Admission.Changed() && s.Worker != nil {
		s.Worker.SignalPropose()
	}

	return res, nil
}

// Broadcast pushes the transaction to the best peers and reports the
// outcome. It is used by the share worker.
func (s *State) Broadcast(ctx context.Context, req broadcast.RelayRequest) (broadcast.Result, error) {
	res, err := s.broadcast.Relay(ctx, req)
	if err != nil {
		s.metrics.Pushes.WithLabelValues("error").Inc()
		return res, err
	}

	s.metrics.Pushes.WithLabelValues("success").Add(float64(res.Successful))
	s.metrics.Pushes.WithLabelValues("failure").Add(float64(res.Failed))
	s.metrics.Coverage.Set(res.SuccessRate)

	return res, nil
}

// =============================================================================

// admit runs the admission and signals the workers when the mempool changed.
func (s *State) admit(ctx context.Context, tx database.Tx) (admission.Result, error) {
	res, err := s.admission.Admit(ctx, tx)
	if _, err := s.recordAdmission(res, err); err != nil {
		return res, err
	}

	if res.Changed() && s.Worker != nil {
		tx.Hash = res.Hash
		s.Worker.SignalShareTx(broadcast.RelayRequest{Tx: s.pendingTx(ctx, tx)})
		s.Worker.SignalPropose()
	}

	return res, nil
}

// pendingTx returns the transaction as it was stored by the admission so the
// share carries the same hash and timestamps.
func (s *State) pendingTx(ctx context.Context, tx database.Tx) database.Tx {
	entry, err := s.storage.GetEntry(ctx, tx.Hash)
	if err != nil {
		return tx
	}
	return entry.Tx
}

func (s *State) recordAdmission(res admission.Result, err error) (admission.Result, error) {
	status := string(res.Status)
	if status == "" {
		status = "error"
	}
	s.metrics.Admissions.WithLabelValues(status).Inc()

	if err != nil {
		s.evHandler("state: admit: %s: %s", res, err)
	}

	return res, err
}

// UpsertPeerTx admits a transaction pulled from a peer's mempool. The
// transaction is not shared again since the peer already holds it.
func (s *State) UpsertPeerTx(ctx context.Context, tx database.Tx) (admission.Result, error) {
	if err := tx.VerifySignature(); err != nil {
		err := database.NewValidationError(database.ReasonInvalidSignature, "%s", err)
		return s.recordAdmission(admission.Result{Status: admission.StatusRejected, Reason: database.ReasonInvalidSignature}, err)
	}

	res, err := s.admission.Admit(ctx, tx)
	if _, err := s.recordAdmission(res, err); err != nil {
		return res, err
	}

	if res.Changed() && s.Worker != nil {
		s.Worker.SignalPropose()
	}

	return res, nil
}
