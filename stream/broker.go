package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loomery/loom/ext"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// Compile-time interface checks.
var (
	_ ext.Extension            = (*Broker)(nil)
	_ ext.TransactionStarted   = (*Broker)(nil)
	_ ext.TransactionCompleted = (*Broker)(nil)
	_ ext.TransactionFailed    = (*Broker)(nil)
	_ ext.TransactionReverted  = (*Broker)(nil)
	_ ext.StepStarted          = (*Broker)(nil)
	_ ext.StepSucceeded        = (*Broker)(nil)
	_ ext.StepFailed           = (*Broker)(nil)
	_ ext.StepRetrying         = (*Broker)(nil)
	_ ext.StepCompensated      = (*Broker)(nil)
	_ ext.SignalReceived       = (*Broker)(nil)
	_ ext.DeadlineExpired      = (*Broker)(nil)
	_ ext.InterventionPushed   = (*Broker)(nil)
	_ ext.Shutdown             = (*Broker)(nil)
)

// DefaultBufferSize is the default per-subscriber event buffer.
const DefaultBufferSize = 256

// DefaultCredits is the default initial credits for new subscribers.
const DefaultCredits int64 = 1000

// Broker is the real-time stream broker. It implements the ext hook
// interfaces to receive lifecycle events and fans them out to
// subscribers via topic-based pub/sub.
type Broker struct {
	topics *TopicRegistry
	logger *slog.Logger

	// Subscriber management.
	subscribers sync.Map // subscriberID → *Subscriber

	// Metrics.
	totalPublished atomic.Int64

	// Config.
	bufferSize     int
	defaultCredits int64
}

// BrokerOption configures a Broker.
type BrokerOption func(*Broker)

// WithBufferSize sets the per-subscriber event buffer size.
func WithBufferSize(size int) BrokerOption {
	return func(b *Broker) { b.bufferSize = size }
}

// WithDefaultCredits sets the initial credits for new subscribers.
func WithDefaultCredits(credits int64) BrokerOption {
	return func(b *Broker) { b.defaultCredits = credits }
}

// NewBroker creates a new stream broker.
func NewBroker(logger *slog.Logger, opts ...BrokerOption) *Broker {
	b := &Broker{
		topics:         NewTopicRegistry(),
		logger:         logger,
		bufferSize:     DefaultBufferSize,
		defaultCredits: DefaultCredits,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name implements ext.Extension.
func (b *Broker) Name() string { return "stream-broker" }

// Topics returns the topic registry for external use (e.g., API streaming).
func (b *Broker) Topics() *TopicRegistry { return b.topics }

// Subscribe creates a new subscriber on the given topics.
func (b *Broker) Subscribe(subscriberID string, topics ...string) *Subscriber {
	sub := NewSubscriber(subscriberID, b.bufferSize, b.defaultCredits)
	b.subscribers.Store(subscriberID, sub)
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
	return sub
}

// SubscribeTo adds an existing subscriber to additional topics.
func (b *Broker) SubscribeTo(subscriberID string, topics ...string) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return
	}
	sub := val.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
	for _, topic := range topics {
		b.topics.Subscribe(topic, sub)
	}
}

// Unsubscribe removes a subscriber from specific topics.
func (b *Broker) Unsubscribe(subscriberID string, topics ...string) {
	for _, topic := range topics {
		b.topics.Unsubscribe(topic, subscriberID)
	}
}

// RemoveSubscriber removes a subscriber from all topics and closes it.
func (b *Broker) RemoveSubscriber(subscriberID string) {
	b.topics.UnsubscribeAll(subscriberID)
	if val, ok := b.subscribers.LoadAndDelete(subscriberID); ok {
		val.(*Subscriber).Close() //nolint:errcheck // sync.Map always stores *Subscriber
	}
}

// GetSubscriber returns a subscriber by ID.
func (b *Broker) GetSubscriber(subscriberID string) (*Subscriber, bool) {
	val, ok := b.subscribers.Load(subscriberID)
	if !ok {
		return nil, false
	}
	return val.(*Subscriber), true //nolint:errcheck // sync.Map always stores *Subscriber
}

// Stats returns broker statistics.
func (b *Broker) Stats() BrokerStats {
	count := 0
	var dropped int64
	b.subscribers.Range(func(_, value any) bool {
		count++
		dropped += value.(*Subscriber).Dropped() //nolint:errcheck // sync.Map always stores *Subscriber
		return true
	})
	return BrokerStats{
		TopicCount:      b.topics.TopicCount(),
		SubscriberCount: count,
		TotalPublished:  b.totalPublished.Load(),
		TotalDropped:    dropped,
	}
}

// BrokerStats contains broker metrics.
type BrokerStats struct {
	TopicCount      int   `json:"topic_count"`
	SubscriberCount int   `json:"subscriber_count"`
	TotalPublished  int64 `json:"total_published"`
	TotalDropped    int64 `json:"total_dropped"`
}

// publish broadcasts an event to all matching topics plus any extra
// topics (the workflow channel, usually).
func (b *Broker) publish(evt *Event, extra ...string) {
	topics := resolveTopics(evt, extra)
	delivered := b.topics.Broadcast(topics, evt)
	b.totalPublished.Add(int64(delivered))
}

// mustMarshal marshals data to JSON, panicking on error (programming error).
func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic("stream: marshal event data: " + err.Error())
	}
	return data
}

// ── Transaction lifecycle hooks ─────────────────────

func (b *Broker) OnTransactionStarted(_ context.Context, txn *workflow.Transaction) error {
	b.publish(&Event{
		Type:      EventTransactionStarted,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(TransactionEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			State:         string(txn.State),
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnTransactionCompleted(_ context.Context, txn *workflow.Transaction, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventTransactionCompleted,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(TransactionEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			State:         string(txn.State),
			ElapsedMs:     elapsed.Milliseconds(),
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnTransactionFailed(_ context.Context, txn *workflow.Transaction, txnErr error) error {
	b.publish(&Event{
		Type:      EventTransactionFailed,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(TransactionEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			State:         string(txn.State),
			Error:         txnErr.Error(),
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnTransactionReverted(_ context.Context, txn *workflow.Transaction) error {
	b.publish(&Event{
		Type:      EventTransactionReverted,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(TransactionEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			State:         string(txn.State),
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

// ── Step lifecycle hooks ────────────────────────────

func (b *Broker) OnStepStarted(_ context.Context, txn *workflow.Transaction, stepName string, attempt int) error {
	b.publish(&Event{
		Type:      EventStepStarted,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(StepEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			StepName:      stepName,
			Attempt:       attempt,
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnStepSucceeded(_ context.Context, txn *workflow.Transaction, stepName string, elapsed time.Duration) error {
	b.publish(&Event{
		Type:      EventStepSucceeded,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(StepEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			StepName:      stepName,
			ElapsedMs:     elapsed.Milliseconds(),
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnStepFailed(_ context.Context, txn *workflow.Transaction, stepName string, stepErr error) error {
	b.publish(&Event{
		Type:      EventStepFailed,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(StepEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			StepName:      stepName,
			Error:         stepErr.Error(),
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnStepRetrying(_ context.Context, txn *workflow.Transaction, stepName string, attempt int) error {
	b.publish(&Event{
		Type:      EventStepRetrying,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(StepEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			StepName:      stepName,
			Attempt:       attempt,
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnStepCompensated(_ context.Context, txn *workflow.Transaction, stepName string, compErr error) error {
	data := StepEventData{
		TransactionID: txn.ID.String(),
		WorkflowID:    txn.WorkflowID,
		StepName:      stepName,
	}
	if compErr != nil {
		data.Error = compErr.Error()
	}
	b.publish(&Event{
		Type:      EventStepCompensated,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data:      mustMarshal(data),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

// ── External interaction hooks ──────────────────────

func (b *Broker) OnSignalReceived(_ context.Context, txnID id.TransactionID, stepName string, success bool) error {
	b.publish(&Event{
		Type:      EventSignalReceived,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txnID.String()),
		Data: mustMarshal(SignalEventData{
			TransactionID: txnID.String(),
			StepName:      stepName,
			Success:       success,
		}),
	})
	return nil
}

func (b *Broker) OnDeadlineExpired(_ context.Context, txn *workflow.Transaction, stepName string) error {
	b.publish(&Event{
		Type:      EventDeadlineExpired,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txn.ID.String()),
		Data: mustMarshal(StepEventData{
			TransactionID: txn.ID.String(),
			WorkflowID:    txn.WorkflowID,
			StepName:      stepName,
		}),
	}, WorkflowTopic(txn.WorkflowID))
	return nil
}

func (b *Broker) OnInterventionPushed(_ context.Context, txnID id.TransactionID, stepName string, pushErr error) error {
	data := InterventionEventData{
		TransactionID: txnID.String(),
		StepName:      stepName,
	}
	if pushErr != nil {
		data.Error = pushErr.Error()
	}
	b.publish(&Event{
		Type:      EventInterventionPushed,
		Timestamp: time.Now().UTC(),
		Topic:     TransactionTopic(txnID.String()),
		Data:      mustMarshal(data),
	})
	return nil
}

// ── Shutdown ────────────────────────────────────────

func (b *Broker) OnShutdown(_ context.Context) error {
	b.subscribers.Range(func(key, value any) bool {
		sub := value.(*Subscriber) //nolint:errcheck // sync.Map always stores *Subscriber
		sub.Close()
		b.subscribers.Delete(key)
		return true
	})
	b.logger.Info("stream broker shut down")
	return nil
}
