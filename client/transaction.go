package client

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/loomery/loom/id"
	"github.com/loomery/loom/orchestrator"
	"github.com/loomery/loom/workflow"
)

// startTransactionRequest mirrors the server's start body.
type startTransactionRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
	WorkflowID    string `json:"workflow_id"`
	Input         any    `json:"input,omitempty"`
}

// reportOutcomeRequest mirrors the server's outcome body.
type reportOutcomeRequest struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Outcome is an external result reported for a parked transaction.
type Outcome struct {
	Success bool
	Output  any
	// Error describes why the step failed. Only meaningful when
	// Success is false.
	Error string
}

// ListTransactionsOpts filters and paginates ListTransactions.
type ListTransactionsOpts struct {
	WorkflowID string
	State      workflow.State
	Limit      int
	Offset     int
}

// StartTransaction starts a new transaction of the given workflow with a
// server-generated id. The returned transaction may already be terminal
// when every step ran synchronously.
func (c *Client) StartTransaction(ctx context.Context, workflowID string, input any) (*workflow.Transaction, error) {
	return c.start(ctx, startTransactionRequest{WorkflowID: workflowID, Input: input})
}

// StartTransactionWithID starts a transaction under a caller-chosen id.
// Repeating the call with the same id returns a conflict, which makes
// the request safe to retry.
func (c *Client) StartTransactionWithID(ctx context.Context, txnID id.TransactionID, workflowID string, input any) (*workflow.Transaction, error) {
	return c.start(ctx, startTransactionRequest{
		TransactionID: txnID.String(),
		WorkflowID:    workflowID,
		Input:         input,
	})
}

func (c *Client) start(ctx context.Context, req startTransactionRequest) (*workflow.Transaction, error) {
	var txn workflow.Transaction
	if err := c.do(ctx, http.MethodPost, "/v1/transactions", nil, req, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// GetTransaction fetches a transaction by id.
func (c *Client) GetTransaction(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	var txn workflow.Transaction
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+txnID.String(), nil, nil, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// ListTransactions lists transactions, newest first.
func (c *Client) ListTransactions(ctx context.Context, opts ListTransactionsOpts) ([]*workflow.Transaction, error) {
	q := url.Values{}
	if opts.WorkflowID != "" {
		q.Set("workflow_id", opts.WorkflowID)
	}
	if opts.State != "" {
		q.Set("state", string(opts.State))
	}
	if opts.Limit > 0 {
		q.Set("limit", strconv.Itoa(opts.Limit))
	}
	if opts.Offset > 0 {
		q.Set("offset", strconv.Itoa(opts.Offset))
	}

	var txns []*workflow.Transaction
	if err := c.do(ctx, http.MethodGet, "/v1/transactions", q, nil, &txns); err != nil {
		return nil, err
	}
	return txns, nil
}

// Timeline fetches a transaction's full history: the record itself,
// every step execution attempt, and the events it emitted.
func (c *Client) Timeline(ctx context.Context, txnID id.TransactionID) (*orchestrator.Timeline, error) {
	var tl orchestrator.Timeline
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+txnID.String()+"/timeline", nil, nil, &tl); err != nil {
		return nil, err
	}
	return &tl, nil
}

// Resume re-drives a running transaction from its persisted position,
// typically after a crash.
func (c *Client) Resume(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	var txn workflow.Transaction
	if err := c.do(ctx, http.MethodPost, "/v1/transactions/"+txnID.String()+"/resume", nil, nil, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}

// ReportStepOutcome reports an external outcome for a transaction parked
// at the named async step. A failed outcome unwinds the transaction; the
// returned record reflects the final state either way.
func (c *Client) ReportStepOutcome(ctx context.Context, txnID id.TransactionID, stepName string, outcome Outcome) (*workflow.Transaction, error) {
	req := reportOutcomeRequest{
		Success: outcome.Success,
		Output:  outcome.Output,
		Error:   outcome.Error,
	}

	var txn workflow.Transaction
	path := "/v1/transactions/" + txnID.String() + "/steps/" + url.PathEscape(stepName) + "/outcome"
	if err := c.do(ctx, http.MethodPost, path, nil, req, &txn); err != nil {
		return nil, err
	}
	return &txn, nil
}
