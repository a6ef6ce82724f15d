package api

// StartTransactionRequest is the body for POST /v1/transactions.
// TransactionID is optional; when omitted the server generates one.
// Supplying an id makes the request idempotent: repeating it returns a
// conflict instead of re-executing the workflow.
type StartTransactionRequest struct {
	TransactionID string `json:"transaction_id,omitempty"`
	WorkflowID    string `json:"workflow_id" validate:"required"`
	Input         any    `json:"input,omitempty"`
}

// ReportOutcomeRequest is the body for
// POST /v1/transactions/{txnID}/steps/{stepName}/outcome.
type ReportOutcomeRequest struct {
	Success bool   `json:"success"`
	Output  any    `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ResolveInterventionRequest is the body for
// POST /v1/interventions/{entryID}/resolve.
type ResolveInterventionRequest struct {
	Resolution string `json:"resolution" validate:"required"`
}

// ListWorkflowsResponse lists the registered workflow ids.
type ListWorkflowsResponse struct {
	WorkflowIDs []string `json:"workflow_ids"`
}
