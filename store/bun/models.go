package bunstore

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/loomery/loom"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
	"github.com/loomery/loom/workflow"
)

// ── Transaction model ─────────────────────────────────────────────

type transactionModel struct {
	bun.BaseModel `bun:"table:loom_transactions"`

	ID           string     `bun:"id,pk"`
	WorkflowID   string     `bun:"workflow_id,notnull"`
	State        string     `bun:"state,notnull"`
	Input        []byte     `bun:"input,type:bytea"`
	Outputs      []byte     `bun:"outputs,type:jsonb"`
	Decisions    []byte     `bun:"decisions,type:jsonb"`
	Result       []byte     `bun:"result,type:jsonb"`
	WaitingStep  string     `bun:"waiting_step,notnull,default:''"`
	WaitDeadline *time.Time `bun:"wait_deadline"`
	Error        string     `bun:"error,notnull,default:''"`
	StartedAt    time.Time  `bun:"started_at,notnull"`
	CompletedAt  *time.Time `bun:"completed_at"`
	CreatedAt    time.Time  `bun:"created_at,notnull"`
	UpdatedAt    time.Time  `bun:"updated_at,notnull"`
}

func toTransactionModel(txn *workflow.Transaction) (*transactionModel, error) {
	m := &transactionModel{
		ID:           txn.ID.String(),
		WorkflowID:   txn.WorkflowID,
		State:        string(txn.State),
		Input:        txn.Input,
		Result:       txn.Result,
		WaitingStep:  txn.WaitingStep,
		WaitDeadline: txn.WaitDeadline,
		Error:        txn.Error,
		StartedAt:    txn.StartedAt,
		CompletedAt:  txn.CompletedAt,
		CreatedAt:    txn.CreatedAt,
		UpdatedAt:    txn.UpdatedAt,
	}

	var err error
	if txn.Outputs != nil {
		m.Outputs, err = json.Marshal(txn.Outputs)
		if err != nil {
			return nil, fmt.Errorf("loom/bun: encode outputs: %w", err)
		}
	}
	if txn.Decisions != nil {
		m.Decisions, err = json.Marshal(txn.Decisions)
		if err != nil {
			return nil, fmt.Errorf("loom/bun: encode decisions: %w", err)
		}
	}
	return m, nil
}

func fromTransactionModel(m *transactionModel) (*workflow.Transaction, error) {
	parsedID, err := id.ParseTransactionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse transaction id %q: %w", m.ID, err)
	}

	txn := &workflow.Transaction{
		Entity: loom.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:           parsedID,
		WorkflowID:   m.WorkflowID,
		State:        workflow.State(m.State),
		Input:        m.Input,
		Result:       m.Result,
		WaitingStep:  m.WaitingStep,
		WaitDeadline: m.WaitDeadline,
		Error:        m.Error,
		StartedAt:    m.StartedAt,
		CompletedAt:  m.CompletedAt,
	}

	if len(m.Outputs) > 0 {
		if err := json.Unmarshal(m.Outputs, &txn.Outputs); err != nil {
			return nil, fmt.Errorf("loom/bun: decode outputs: %w", err)
		}
	}
	if len(m.Decisions) > 0 {
		if err := json.Unmarshal(m.Decisions, &txn.Decisions); err != nil {
			return nil, fmt.Errorf("loom/bun: decode decisions: %w", err)
		}
	}
	return txn, nil
}

// ── Step execution model ──────────────────────────────────────────

type stepExecutionModel struct {
	bun.BaseModel `bun:"table:loom_step_executions"`

	ID            string     `bun:"id,pk"`
	TransactionID string     `bun:"transaction_id,notnull"`
	StepName      string     `bun:"step_name,notnull"`
	Status        string     `bun:"status,notnull"`
	Attempt       int        `bun:"attempt,notnull"`
	Input         []byte     `bun:"input,type:jsonb"`
	Output        []byte     `bun:"output,type:jsonb"`
	Error         string     `bun:"error,notnull,default:''"`
	StartedAt     time.Time  `bun:"started_at,notnull"`
	FinishedAt    *time.Time `bun:"finished_at"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
	UpdatedAt     time.Time  `bun:"updated_at,notnull"`
}

func toStepExecutionModel(exec *workflow.StepExecution) *stepExecutionModel {
	return &stepExecutionModel{
		ID:            exec.ID.String(),
		TransactionID: exec.TransactionID.String(),
		StepName:      exec.StepName,
		Status:        string(exec.Status),
		Attempt:       exec.Attempt,
		Input:         exec.Input,
		Output:        exec.Output,
		Error:         exec.Error,
		StartedAt:     exec.StartedAt,
		FinishedAt:    exec.FinishedAt,
		CreatedAt:     exec.CreatedAt,
		UpdatedAt:     exec.UpdatedAt,
	}
}

func fromStepExecutionModel(m *stepExecutionModel) (*workflow.StepExecution, error) {
	parsedID, err := id.ParseStepExecID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse execution id %q: %w", m.ID, err)
	}
	parsedTxnID, err := id.ParseTransactionID(m.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse transaction id %q: %w", m.TransactionID, err)
	}

	return &workflow.StepExecution{
		Entity: loom.Entity{
			CreatedAt: m.CreatedAt,
			UpdatedAt: m.UpdatedAt,
		},
		ID:            parsedID,
		TransactionID: parsedTxnID,
		StepName:      m.StepName,
		Status:        workflow.StepStatus(m.Status),
		Attempt:       m.Attempt,
		Input:         m.Input,
		Output:        m.Output,
		Error:         m.Error,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}, nil
}

// ── Event model ───────────────────────────────────────────────────

type eventModel struct {
	bun.BaseModel `bun:"table:loom_events"`

	ID            string    `bun:"id,pk"`
	TransactionID string    `bun:"transaction_id,notnull"`
	StepName      string    `bun:"step_name,notnull"`
	Name          string    `bun:"name,notnull"`
	Payload       []byte    `bun:"payload,type:bytea"`
	Acked         bool      `bun:"acked,notnull,default:false"`
	CreatedAt     time.Time `bun:"created_at,notnull"`
}

func toEventModel(evt *event.Event) *eventModel {
	return &eventModel{
		ID:            evt.ID.String(),
		TransactionID: evt.TransactionID.String(),
		StepName:      evt.StepName,
		Name:          evt.Name,
		Payload:       evt.Payload,
		Acked:         evt.Acked,
		CreatedAt:     evt.CreatedAt,
	}
}

func fromEventModel(m *eventModel) (*event.Event, error) {
	parsedID, err := id.ParseEventID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse event id %q: %w", m.ID, err)
	}
	parsedTxnID, err := id.ParseTransactionID(m.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse transaction id %q: %w", m.TransactionID, err)
	}

	return &event.Event{
		ID:            parsedID,
		TransactionID: parsedTxnID,
		StepName:      m.StepName,
		Name:          m.Name,
		Payload:       m.Payload,
		Acked:         m.Acked,
		CreatedAt:     m.CreatedAt,
	}, nil
}

// ── Intervention model ────────────────────────────────────────────

type interventionModel struct {
	bun.BaseModel `bun:"table:loom_interventions"`

	ID            string     `bun:"id,pk"`
	TransactionID string     `bun:"transaction_id,notnull"`
	WorkflowID    string     `bun:"workflow_id,notnull"`
	StepName      string     `bun:"step_name,notnull"`
	Output        []byte     `bun:"output,type:jsonb"`
	Error         string     `bun:"error,notnull,default:''"`
	Resolution    string     `bun:"resolution,notnull,default:''"`
	FailedAt      time.Time  `bun:"failed_at,notnull"`
	ResolvedAt    *time.Time `bun:"resolved_at"`
	CreatedAt     time.Time  `bun:"created_at,notnull"`
}

func toInterventionModel(entry *intervention.Entry) *interventionModel {
	return &interventionModel{
		ID:            entry.ID.String(),
		TransactionID: entry.TransactionID.String(),
		WorkflowID:    entry.WorkflowID,
		StepName:      entry.StepName,
		Output:        entry.Output,
		Error:         entry.Error,
		Resolution:    entry.Resolution,
		FailedAt:      entry.FailedAt,
		ResolvedAt:    entry.ResolvedAt,
		CreatedAt:     entry.CreatedAt,
	}
}

func fromInterventionModel(m *interventionModel) (*intervention.Entry, error) {
	parsedID, err := id.ParseInterventionID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse intervention id %q: %w", m.ID, err)
	}
	parsedTxnID, err := id.ParseTransactionID(m.TransactionID)
	if err != nil {
		return nil, fmt.Errorf("loom/bun: parse transaction id %q: %w", m.TransactionID, err)
	}

	return &intervention.Entry{
		ID:            parsedID,
		TransactionID: parsedTxnID,
		WorkflowID:    m.WorkflowID,
		StepName:      m.StepName,
		Output:        m.Output,
		Error:         m.Error,
		Resolution:    m.Resolution,
		FailedAt:      m.FailedAt,
		ResolvedAt:    m.ResolvedAt,
		CreatedAt:     m.CreatedAt,
	}, nil
}
