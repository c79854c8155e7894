package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"ledger-sync/pkg/balance"
	"ledger-sync/pkg/intent"
	"ledger-sync/pkg/ledger"
	"ledger-sync/pkg/reconcile"
	"ledger-sync/pkg/store"
	"ledger-sync/pkg/transfer"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type balanceResponse struct {
	store.BalanceView
	Error string `json:"error,omitempty"`
}

func newBalanceResponse(v store.BalanceView) balanceResponse {
	resp := balanceResponse{BalanceView: v}
	if v.Err != nil {
		resp.Error = v.Err.Error()
	}
	return resp
}

func balanceResponses(views []store.BalanceView) []balanceResponse {
	out := make([]balanceResponse, 0, len(views))
	for _, v := range views {
		out = append(out, newBalanceResponse(v))
	}
	return out
}

type transactionsResponse struct {
	Ledger       ledger.ID            `json:"ledger"`
	Transactions []ledger.Transaction `json:"transactions"`
	Balance      decimal.Decimal      `json:"balance"`
	Totals       *balance.Totals      `json:"totals,omitempty"`
	Seq          uint64               `json:"seq"`
	FetchedAt    time.Time            `json:"fetched_at"`
	Error        string               `json:"error,omitempty"`
}

type transferResponse struct {
	*transfer.Outcome
	Duplicate bool   `json:"duplicate,omitempty"`
	Error     string `json:"error,omitempty"`
}

type transferRequest struct {
	ID             string          `json:"id"`
	Source         ledger.ID       `json:"source"`
	Dest           ledger.ID       `json:"dest"`
	Kind           ledger.Kind     `json:"kind"`
	Amount         decimal.Decimal `json:"amount"`
	UserID         string          `json:"user_id"`
	IdempotencyKey string          `json:"idempotency_key"`
}

type ledgerActionRequest struct {
	Kind   ledger.Kind     `json:"kind"`
	Amount decimal.Decimal `json:"amount"`
	UserID string          `json:"user_id"`
}

type reconcileRequest struct {
	Policy string `json:"policy"`
}

// ledgerStore resolves the {ledger} path variable. It writes a 404 and
// returns false for a ledger outside the pair.
func (s *Server) ledgerStore(w http.ResponseWriter, r *http.Request) (*store.LedgerStore, bool) {
	id, err := s.stores.Pair().ParseID(mux.Vars(r)["ledger"])
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return nil, false
	}
	st, ok := s.stores.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, fmt.Errorf("%w: %q", ledger.ErrUnknownLedger, id))
		return nil, false
	}
	return st, true
}

// ensureFetched refreshes a store that has never been fetched so the first
// read after startup is not empty. Failures show up in the balance state.
func (s *Server) ensureFetched(ctx context.Context, st *store.LedgerStore) {
	if st.Balance().State != store.Pending {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.RefreshTimeout)
	defer cancel()
	if err := st.Refresh(ctx); err != nil {
		s.logger.ForLedger(string(st.Ledger())).Warn("initial refresh failed", zap.Error(err))
	}
}

func (s *Server) handleBalances(w http.ResponseWriter, r *http.Request) {
	for _, id := range s.stores.Pair().IDs() {
		if st, ok := s.stores.Get(id); ok {
			s.ensureFetched(r.Context(), st)
		}
	}
	writeJSON(w, http.StatusOK, balanceResponses(s.stores.Balances()))
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	st, ok := s.ledgerStore(w, r)
	if !ok {
		return
	}
	s.ensureFetched(r.Context(), st)
	writeJSON(w, http.StatusOK, newBalanceResponse(st.Balance()))
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	st, ok := s.ledgerStore(w, r)
	if !ok {
		return
	}
	s.ensureFetched(r.Context(), st)

	snap, _ := st.Snapshot()
	resp := transactionsResponse{
		Ledger:       snap.Ledger,
		Transactions: snap.Transactions,
		Balance:      snap.Balance,
		Seq:          snap.Seq,
		FetchedAt:    snap.FetchedAt,
	}
	if resp.Transactions == nil {
		resp.Transactions = []ledger.Transaction{}
	}
	if snap.Err != nil {
		resp.Error = snap.Err.Error()
	}
	// Malformed snapshots already report their error; totals are left out.
	if totals, err := balance.Summarize(resp.Transactions); err == nil {
		resp.Totals = &totals
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleRefresh forces a fetch. A failed fetch answers 502 with the balance
// view, which still carries the last good value.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	st, ok := s.ledgerStore(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RefreshTimeout)
	defer cancel()

	status := http.StatusOK
	if err := st.Refresh(ctx); err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, newBalanceResponse(st.Balance()))
}

// handleLedgerAction records kind/amount on the ledger and the opposite
// entry on its counterpart.
func (s *Server) handleLedgerAction(w http.ResponseWriter, r *http.Request) {
	st, ok := s.ledgerStore(w, r)
	if !ok {
		return
	}

	var req ledgerActionRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// The form preselects a deposit.
	if req.Kind == "" {
		req.Kind = ledger.Deposit
	}
	if req.UserID == "" {
		req.UserID = s.config.DefaultUserID
	}

	out, err := s.transfers.SubmitOnLedger(r.Context(), st.Ledger(), req.Kind, req.Amount, req.UserID)
	s.writeOutcome(w, out, err)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if key := r.Header.Get("Idempotency-Key"); key != "" && req.IdempotencyKey == "" {
		req.IdempotencyKey = key
	}
	if req.UserID == "" {
		req.UserID = s.config.DefaultUserID
	}

	out, err := s.transfers.Submit(r.Context(), transfer.Intent{
		ID:             req.ID,
		Source:         req.Source,
		Dest:           req.Dest,
		Kind:           req.Kind,
		Amount:         req.Amount,
		UserID:         req.UserID,
		IdempotencyKey: req.IdempotencyKey,
	})
	s.writeOutcome(w, out, err)
}

// writeOutcome maps a submission result to a status code:
// 201 settled, 207 partially settled, 502 failed, 200 duplicate, 400 invalid.
func (s *Server) writeOutcome(w http.ResponseWriter, out *transfer.Outcome, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidIntent):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, transfer.ErrDuplicateIntent):
		writeJSON(w, http.StatusOK, transferResponse{Outcome: out, Duplicate: true})
		return
	case out == nil:
		if err == nil {
			err = errors.New("no outcome")
		}
		s.logger.Error("transfer not submitted", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err)
		return
	}

	resp := transferResponse{Outcome: out}
	if err != nil {
		resp.Error = err.Error()
	}

	status := http.StatusCreated
	switch out.State {
	case transfer.PartiallySettled:
		status = http.StatusMultiStatus
	case transfer.Failed:
		status = http.StatusBadGateway
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	if s.log == nil {
		writeError(w, http.StatusNotFound, intent.ErrNotFound)
		return
	}

	rec, err := s.log.Get(r.Context(), mux.Vars(r)["id"])
	if errors.Is(err, intent.ErrNotFound) {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

// handleReconcile queues compensation of a partial transfer and answers 202.
func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	if s.reconciler == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("reconciliation is disabled"))
		return
	}

	var req reconcileRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if p := r.URL.Query().Get("policy"); p != "" {
		req.Policy = p
	}

	var policy reconcile.Policy
	if req.Policy != "" {
		p, err := reconcile.ParsePolicy(req.Policy)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		policy = p
	}

	id := mux.Vars(r)["id"]
	err := s.reconciler.Enqueue(r.Context(), id, policy)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":     id,
			"status": "queued",
			"policy": policy,
		})
	case errors.Is(err, intent.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, reconcile.ErrNotPartial), errors.Is(err, reconcile.ErrAlreadyQueued):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, reconcile.ErrQueueFull), errors.Is(err, reconcile.ErrClosed):
		writeError(w, http.StatusServiceUnavailable, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

// decodeBody decodes a JSON body, rejecting unknown fields. An empty body
// returns io.EOF.
func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return err
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
