package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/loomery/loom"
	"github.com/loomery/loom/deadline"
	"github.com/loomery/loom/event"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/intervention"
	"github.com/loomery/loom/workflow"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ workflow.Store      = (*Store)(nil)
	_ event.Store         = (*Store)(nil)
	_ intervention.Store  = (*Store)(nil)
	_ deadline.LeaseStore = (*Store)(nil)
)

// Store is a fully in-memory implementation of store.Store.
// Safe for concurrent access. Intended for unit testing and development.
type Store struct {
	mu sync.RWMutex

	transactions  map[string]*workflow.Transaction
	executions    map[string]*workflow.StepExecution
	execOrder     []string // execution ids in creation order
	events        map[string]*event.Event
	eventOrder    []string // event ids in publish order
	interventions map[string]*intervention.Entry

	// scanLease tracks the current scan lease holder id string.
	scanLease      string
	scanLeaseUntil time.Time
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		transactions:  make(map[string]*workflow.Transaction),
		executions:    make(map[string]*workflow.StepExecution),
		events:        make(map[string]*event.Event),
		interventions: make(map[string]*intervention.Entry),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping always succeeds for the memory store.
func (m *Store) Ping(_ context.Context) error { return nil }

// Close is a no-op for the memory store.
func (m *Store) Close() error { return nil }

// ──────────────────────────────────────────────────
// Workflow Store — transactions
// ──────────────────────────────────────────────────

// CreateTransaction persists a new transaction.
func (m *Store) CreateTransaction(_ context.Context, txn *workflow.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := txn.ID.String()
	if _, exists := m.transactions[key]; exists {
		return loom.ErrTransactionExists
	}
	m.transactions[key] = copyTransaction(txn)
	return nil
}

// GetTransaction retrieves a transaction by id.
func (m *Store) GetTransaction(_ context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	txn, ok := m.transactions[txnID.String()]
	if !ok {
		return nil, loom.ErrTransactionNotFound
	}
	// Return a copy so callers can mutate without racing with the store.
	return copyTransaction(txn), nil
}

// UpdateTransaction persists changes to an existing transaction.
func (m *Store) UpdateTransaction(_ context.Context, txn *workflow.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := txn.ID.String()
	if _, ok := m.transactions[key]; !ok {
		return loom.ErrTransactionNotFound
	}
	txn.UpdatedAt = time.Now().UTC()
	m.transactions[key] = copyTransaction(txn)
	return nil
}

// ListTransactions returns transactions matching the given options,
// newest first.
func (m *Store) ListTransactions(_ context.Context, opts workflow.ListOpts) ([]*workflow.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workflow.Transaction, 0, len(m.transactions))
	for _, txn := range m.transactions {
		if opts.WorkflowID != "" && txn.WorkflowID != opts.WorkflowID {
			continue
		}
		if opts.State != "" && txn.State != opts.State {
			continue
		}
		result = append(result, copyTransaction(txn))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// ListExpiredWaiting returns waiting transactions whose deadline is at
// or before now.
func (m *Store) ListExpiredWaiting(_ context.Context, now time.Time, limit int) ([]*workflow.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.Transaction
	for _, txn := range m.transactions {
		if txn.State != workflow.StateWaitingExternal {
			continue
		}
		if txn.WaitDeadline == nil || txn.WaitDeadline.After(now) {
			continue
		}
		result = append(result, copyTransaction(txn))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].WaitDeadline.Before(*result[k].WaitDeadline)
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ──────────────────────────────────────────────────
// Workflow Store — step executions
// ──────────────────────────────────────────────────

// CreateStepExecution persists a new step execution record.
func (m *Store) CreateStepExecution(_ context.Context, exec *workflow.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	m.executions[key] = copyStepExecution(exec)
	m.execOrder = append(m.execOrder, key)
	return nil
}

// UpdateStepExecution persists changes to an execution record.
func (m *Store) UpdateStepExecution(_ context.Context, exec *workflow.StepExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := exec.ID.String()
	if _, ok := m.executions[key]; !ok {
		return loom.ErrStepExecutionNotFound
	}
	exec.UpdatedAt = time.Now().UTC()
	m.executions[key] = copyStepExecution(exec)
	return nil
}

// ListStepExecutions returns all execution records for a transaction in
// creation order.
func (m *Store) ListStepExecutions(_ context.Context, txnID id.TransactionID) ([]*workflow.StepExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*workflow.StepExecution
	for _, key := range m.execOrder {
		exec := m.executions[key]
		if exec.TransactionID == txnID {
			result = append(result, copyStepExecution(exec))
		}
	}
	return result, nil
}

// CountStepExecutions returns how many attempts the named step has
// recorded for the transaction.
func (m *Store) CountStepExecutions(_ context.Context, txnID id.TransactionID, stepName string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, exec := range m.executions {
		if exec.TransactionID == txnID && exec.StepName == stepName {
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Event Store
// ──────────────────────────────────────────────────

// PublishEvent persists a new event.
func (m *Store) PublishEvent(_ context.Context, evt *event.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := evt.ID.String()
	m.events[key] = copyEvent(evt)
	m.eventOrder = append(m.eventOrder, key)
	return nil
}

// ListEventsByTransaction returns all events emitted by a transaction,
// in publish order.
func (m *Store) ListEventsByTransaction(_ context.Context, txnID id.TransactionID) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*event.Event
	for _, key := range m.eventOrder {
		evt := m.events[key]
		if evt.TransactionID == txnID {
			result = append(result, copyEvent(evt))
		}
	}
	return result, nil
}

// ListUnackedEvents returns up to limit unconsumed events in publish order.
func (m *Store) ListUnackedEvents(_ context.Context, limit int) ([]*event.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*event.Event
	for _, key := range m.eventOrder {
		evt := m.events[key]
		if evt.Acked {
			continue
		}
		result = append(result, copyEvent(evt))
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// AckEvent acknowledges an event, marking it as consumed.
func (m *Store) AckEvent(_ context.Context, eventID id.EventID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	evt, ok := m.events[eventID.String()]
	if !ok {
		return loom.ErrEventNotFound
	}
	evt.Acked = true
	return nil
}

// ──────────────────────────────────────────────────
// Intervention Store
// ──────────────────────────────────────────────────

// PushIntervention adds a failed compensation entry to the queue.
func (m *Store) PushIntervention(_ context.Context, entry *intervention.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.interventions[entry.ID.String()] = copyEntry(entry)
	return nil
}

// GetIntervention retrieves an entry by id.
func (m *Store) GetIntervention(_ context.Context, entryID id.InterventionID) (*intervention.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.interventions[entryID.String()]
	if !ok {
		return nil, loom.ErrInterventionNotFound
	}
	return copyEntry(entry), nil
}

// ListInterventions returns entries matching the given options, oldest first.
func (m *Store) ListInterventions(_ context.Context, opts intervention.ListOpts) ([]*intervention.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*intervention.Entry, 0, len(m.interventions))
	for _, entry := range m.interventions {
		if opts.Unresolved && entry.Resolved() {
			continue
		}
		if !opts.TransactionID.IsNil() && entry.TransactionID != opts.TransactionID {
			continue
		}
		result = append(result, copyEntry(entry))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(result) {
			return nil, nil
		}
		result = result[opts.Offset:]
	}
	if opts.Limit > 0 && len(result) > opts.Limit {
		result = result[:opts.Limit]
	}

	return result, nil
}

// ResolveIntervention marks an entry handled with the operator's note.
func (m *Store) ResolveIntervention(_ context.Context, entryID id.InterventionID, resolution string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.interventions[entryID.String()]
	if !ok {
		return loom.ErrInterventionNotFound
	}
	now := time.Now().UTC()
	entry.Resolution = resolution
	entry.ResolvedAt = &now
	return nil
}

// CountInterventions returns the number of unresolved entries.
func (m *Store) CountInterventions(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, entry := range m.interventions {
		if !entry.Resolved() {
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Deadline Lease Store
// ──────────────────────────────────────────────────

// AcquireScanLease attempts to take the scan lease.
func (m *Store) AcquireScanLease(_ context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	sKey := scannerID.String()

	// If someone else holds an unexpired lease, fail.
	if m.scanLease != "" && m.scanLeaseUntil.After(now) && m.scanLease != sKey {
		return false, nil
	}

	m.scanLease = sKey
	m.scanLeaseUntil = now.Add(ttl)
	return true, nil
}

// RenewScanLease extends the holder's lease.
func (m *Store) RenewScanLease(_ context.Context, scannerID id.ScannerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.scanLease != scannerID.String() {
		return false, nil
	}
	m.scanLeaseUntil = time.Now().UTC().Add(ttl)
	return true, nil
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────
//
// The store never shares pointers with callers: writes keep a deep
// copy, reads hand one out. An orchestrator mutating a transaction it
// holds must not race with another goroutine reading the same record.

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	cp := make([]byte, len(b))
	copy(cp, b)
	return cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

func copyTransaction(txn *workflow.Transaction) *workflow.Transaction {
	cp := *txn
	cp.Input = cloneBytes(txn.Input)
	cp.Result = cloneBytes(txn.Result)
	if txn.Outputs != nil {
		cp.Outputs = make(map[string]json.RawMessage, len(txn.Outputs))
		for name, raw := range txn.Outputs {
			cp.Outputs[name] = cloneBytes(raw)
		}
	}
	if txn.Decisions != nil {
		cp.Decisions = make(map[string]int, len(txn.Decisions))
		for name, idx := range txn.Decisions {
			cp.Decisions[name] = idx
		}
	}
	cp.WaitDeadline = cloneTime(txn.WaitDeadline)
	cp.CompletedAt = cloneTime(txn.CompletedAt)
	return &cp
}

func copyStepExecution(exec *workflow.StepExecution) *workflow.StepExecution {
	cp := *exec
	cp.Input = cloneBytes(exec.Input)
	cp.Output = cloneBytes(exec.Output)
	cp.FinishedAt = cloneTime(exec.FinishedAt)
	return &cp
}

func copyEvent(evt *event.Event) *event.Event {
	cp := *evt
	cp.Payload = cloneBytes(evt.Payload)
	return &cp
}

func copyEntry(entry *intervention.Entry) *intervention.Entry {
	cp := *entry
	cp.Output = cloneBytes(entry.Output)
	cp.ResolvedAt = cloneTime(entry.ResolvedAt)
	return &cp
}
