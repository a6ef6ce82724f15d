// Package stream provides a real-time event broker for Loom lifecycle
// events. It bridges the ext hook system to connected consumers via
// topic-based pub/sub.
package stream

import (
	"encoding/json"
	"time"
)

// EventType identifies the kind of lifecycle event.
type EventType string

const (
	// Transaction events.
	EventTransactionStarted   EventType = "transaction.started"
	EventTransactionCompleted EventType = "transaction.completed"
	EventTransactionFailed    EventType = "transaction.failed"
	EventTransactionReverted  EventType = "transaction.reverted"

	// Step events.
	EventStepStarted     EventType = "step.started"
	EventStepSucceeded   EventType = "step.succeeded"
	EventStepFailed      EventType = "step.failed"
	EventStepRetrying    EventType = "step.retrying"
	EventStepCompensated EventType = "step.compensated"

	// External interaction events.
	EventSignalReceived     EventType = "signal.received"
	EventDeadlineExpired    EventType = "deadline.expired"
	EventInterventionPushed EventType = "intervention.pushed"
)

// Event is the envelope sent to subscribers on a topic channel.
type Event struct {
	// Type identifies the lifecycle event.
	Type EventType `json:"type"`

	// Timestamp is when the event was emitted.
	Timestamp time.Time `json:"ts"`

	// Topic is the entity channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event-specific payload.
	Data json.RawMessage `json:"data"`
}

// TransactionEventData is the payload for transaction lifecycle events.
type TransactionEventData struct {
	TransactionID string `json:"transaction_id"`
	WorkflowID    string `json:"workflow_id"`
	State         string `json:"state,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms,omitempty"`
	Error         string `json:"error,omitempty"`
}

// StepEventData is the payload for step lifecycle events.
type StepEventData struct {
	TransactionID string `json:"transaction_id"`
	WorkflowID    string `json:"workflow_id"`
	StepName      string `json:"step_name"`
	Attempt       int    `json:"attempt,omitempty"`
	ElapsedMs     int64  `json:"elapsed_ms,omitempty"`
	Error         string `json:"error,omitempty"`
}

// SignalEventData is the payload for reported external outcomes.
type SignalEventData struct {
	TransactionID string `json:"transaction_id"`
	StepName      string `json:"step_name"`
	Success       bool   `json:"success"`
}

// InterventionEventData is the payload for intervention queue events.
type InterventionEventData struct {
	TransactionID string `json:"transaction_id"`
	StepName      string `json:"step_name"`
	Error         string `json:"error,omitempty"`
}
