package api

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/orchestrator"
	"github.com/loomery/loom/workflow"
)

const maxListLimit = 500

// defaultLimit clamps a requested page size to a sane range.
func defaultLimit(n int) int {
	if n <= 0 {
		return 50
	}
	if n > maxListLimit {
		return maxListLimit
	}
	return n
}

func badRequest(w http.ResponseWriter, err error) {
	respondJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
}

func parseTxnID(r *http.Request) (id.TransactionID, error) {
	raw := chi.URLParam(r, "txnID")
	txnID, err := id.ParseTransactionID(raw)
	if err != nil {
		return id.Nil, fmt.Errorf("invalid transaction id %q: %w", raw, err)
	}
	return txnID, nil
}

func (a *API) startTransaction(w http.ResponseWriter, r *http.Request) {
	var req StartTransactionRequest
	if err := a.decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	txnID := id.NewTransactionID()
	if req.TransactionID != "" {
		parsed, err := id.ParseTransactionID(req.TransactionID)
		if err != nil {
			badRequest(w, fmt.Errorf("invalid transaction id %q: %w", req.TransactionID, err))
			return
		}
		txnID = parsed
	}

	txn, err := a.eng.StartTransaction(r.Context(), txnID, req.WorkflowID, req.Input)
	if err != nil && txn == nil {
		respondError(w, err)
		return
	}
	// A terminal failure still created the resource; its state and
	// error field tell the story.
	respondJSON(w, http.StatusCreated, txn)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseTxnID(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	txn, err := a.eng.Orchestrator().Get(r.Context(), txnID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))

	txns, err := a.eng.Orchestrator().List(r.Context(), workflow.ListOpts{
		Limit:      defaultLimit(limit),
		Offset:     offset,
		WorkflowID: q.Get("workflow_id"),
		State:      workflow.State(q.Get("state")),
	})
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txns)
}

func (a *API) getTimeline(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseTxnID(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	tl, err := a.eng.Orchestrator().Timeline(r.Context(), txnID)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, tl)
}

func (a *API) resumeTransaction(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseTxnID(r)
	if err != nil {
		badRequest(w, err)
		return
	}

	txn, err := a.eng.Orchestrator().Resume(r.Context(), txnID)
	if err != nil && txn == nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, txn)
}

func (a *API) reportOutcome(w http.ResponseWriter, r *http.Request) {
	txnID, err := parseTxnID(r)
	if err != nil {
		badRequest(w, err)
		return
	}
	stepName := chi.URLParam(r, "stepName")

	var req ReportOutcomeRequest
	if err := a.decodeBody(r, &req); err != nil {
		badRequest(w, err)
		return
	}

	outcome := orchestrator.Outcome{
		Success: req.Success,
		Output:  req.Output,
	}
	if req.Error != "" {
		outcome.Err = errors.New(req.Error)
	}

	txn, err := a.eng.ReportStepOutcome(r.Context(), txnID, stepName, outcome)
	if err != nil && txn == nil {
		respondError(w, err)
		return
	}
	// A failed outcome ends with a reverted or failed transaction; that
	// is a successful signal delivery, not an API error.
	respondJSON(w, http.StatusOK, txn)
}
