package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/loomery/loom"
	"github.com/loomery/loom/id"
	"github.com/loomery/loom/workflow"
)

// CreateTransaction stores the transaction as a Hash and indexes it.
func (s *Store) CreateTransaction(ctx context.Context, txn *workflow.Transaction) error {
	tID := txn.ID.String()
	key := txnKey(tID)

	// Check for duplicate.
	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: create check exists: %w", err)
	}
	if exists > 0 {
		return loom.ErrTransactionExists
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, txnToMap(txn))
	pipe.SAdd(ctx, txnIDsKey, tID)
	indexDeadline(ctx, pipe, txn)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/redis: create transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, txnID id.TransactionID) (*workflow.Transaction, error) {
	return s.getTxnByKey(ctx, txnKey(txnID.String()))
}

// UpdateTransaction persists changes to an existing transaction and
// keeps the deadline index in step with the waiting state.
func (s *Store) UpdateTransaction(ctx context.Context, txn *workflow.Transaction) error {
	tID := txn.ID.String()
	key := txnKey(tID)

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: update check exists: %w", err)
	}
	if exists == 0 {
		return loom.ErrTransactionNotFound
	}

	txn.UpdatedAt = time.Now().UTC()

	pipe := s.client.TxPipeline()
	// Delete and re-set so fields cleared on the struct (waiting_step,
	// wait_deadline) do not linger in the hash.
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key, txnToMap(txn))
	indexDeadline(ctx, pipe, txn)

	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/redis: update transaction: %w", err)
	}
	return nil
}

// ListTransactions returns transactions matching the given options,
// newest first.
func (s *Store) ListTransactions(ctx context.Context, opts workflow.ListOpts) ([]*workflow.Transaction, error) {
	ids, err := s.client.SMembers(ctx, txnIDsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list transactions smembers: %w", err)
	}

	txns := make([]*workflow.Transaction, 0, len(ids))
	for _, tID := range ids {
		txn, getErr := s.getTxnByKey(ctx, txnKey(tID))
		if getErr != nil {
			continue // skip missing
		}
		if opts.WorkflowID != "" && txn.WorkflowID != opts.WorkflowID {
			continue
		}
		if opts.State != "" && txn.State != opts.State {
			continue
		}
		txns = append(txns, txn)
	}

	sort.Slice(txns, func(i, j int) bool {
		if !txns[i].CreatedAt.Equal(txns[j].CreatedAt) {
			return txns[i].CreatedAt.After(txns[j].CreatedAt)
		}
		return txns[i].ID.String() > txns[j].ID.String()
	})

	return paginate(txns, opts.Offset, opts.Limit), nil
}

// ListExpiredWaiting returns waiting transactions whose deadline is at
// or before now, soonest first.
func (s *Store) ListExpiredWaiting(ctx context.Context, now time.Time, limit int) ([]*workflow.Transaction, error) {
	rangeBy := &goredis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	ids, err := s.client.ZRangeByScore(ctx, txnDeadlinesKey, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list expired zrange: %w", err)
	}

	var txns []*workflow.Transaction
	for _, tID := range ids {
		txn, getErr := s.getTxnByKey(ctx, txnKey(tID))
		if getErr != nil {
			// Index entry outlived the transaction; drop it.
			s.client.ZRem(ctx, txnDeadlinesKey, tID)
			continue
		}
		if txn.State != workflow.StateWaitingExternal || txn.WaitDeadline == nil {
			s.client.ZRem(ctx, txnDeadlinesKey, tID)
			continue
		}
		txns = append(txns, txn)
	}
	return txns, nil
}

// CreateStepExecution stores the record as a Hash and appends it to the
// transaction's execution index.
func (s *Store) CreateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	eID := exec.ID.String()

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, execKey(eID), execToMap(exec))
	pipe.RPush(ctx, execIndexKey(exec.TransactionID.String()), eID)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("loom/redis: create step execution: %w", err)
	}
	return nil
}

// UpdateStepExecution persists changes to an execution record.
func (s *Store) UpdateStepExecution(ctx context.Context, exec *workflow.StepExecution) error {
	key := execKey(exec.ID.String())

	exists, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: update execution exists: %w", err)
	}
	if exists == 0 {
		return loom.ErrStepExecutionNotFound
	}

	exec.UpdatedAt = time.Now().UTC()
	_, err = s.client.HSet(ctx, key, execToMap(exec)).Result()
	if err != nil {
		return fmt.Errorf("loom/redis: update step execution: %w", err)
	}
	return nil
}

// ListStepExecutions returns all execution records for a transaction in
// creation order.
func (s *Store) ListStepExecutions(ctx context.Context, txnID id.TransactionID) ([]*workflow.StepExecution, error) {
	ids, err := s.client.LRange(ctx, execIndexKey(txnID.String()), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: list executions lrange: %w", err)
	}

	execs := make([]*workflow.StepExecution, 0, len(ids))
	for _, eID := range ids {
		vals, getErr := s.client.HGetAll(ctx, execKey(eID)).Result()
		if getErr != nil || len(vals) == 0 {
			continue
		}
		exec, convErr := mapToExec(vals)
		if convErr != nil {
			continue
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// CountStepExecutions returns how many attempts the named step has
// recorded for the transaction.
func (s *Store) CountStepExecutions(ctx context.Context, txnID id.TransactionID, stepName string) (int, error) {
	execs, err := s.ListStepExecutions(ctx, txnID)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, exec := range execs {
		if exec.StepName == stepName {
			count++
		}
	}
	return count, nil
}

// ── helpers ──

// indexDeadline adds the transaction to the deadline Sorted Set when
// parked with a deadline, and removes it otherwise.
func indexDeadline(ctx context.Context, pipe goredis.Pipeliner, txn *workflow.Transaction) {
	tID := txn.ID.String()
	if txn.State == workflow.StateWaitingExternal && txn.WaitDeadline != nil {
		pipe.ZAdd(ctx, txnDeadlinesKey, goredis.Z{
			Score:  float64(txn.WaitDeadline.UnixMilli()),
			Member: tID,
		})
		return
	}
	pipe.ZRem(ctx, txnDeadlinesKey, tID)
}

// paginate applies offset and limit to an already-sorted slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) getTxnByKey(ctx context.Context, key string) (*workflow.Transaction, error) {
	vals, err := s.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("loom/redis: get transaction: %w", err)
	}
	if len(vals) == 0 {
		return nil, loom.ErrTransactionNotFound
	}
	return mapToTxn(vals)
}

func txnToMap(txn *workflow.Transaction) map[string]interface{} {
	m := map[string]interface{}{
		"id":           txn.ID.String(),
		"workflow_id":  txn.WorkflowID,
		"state":        string(txn.State),
		"input":        string(txn.Input),
		"waiting_step": txn.WaitingStep,
		"error":        txn.Error,
		"started_at":   txn.StartedAt.Format(time.RFC3339Nano),
		"created_at":   txn.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":   txn.UpdatedAt.Format(time.RFC3339Nano),
	}
	if txn.Outputs != nil {
		m["outputs"] = marshalJSON(txn.Outputs)
	}
	if txn.Decisions != nil {
		m["decisions"] = marshalJSON(txn.Decisions)
	}
	if len(txn.Result) > 0 {
		m["result"] = string(txn.Result)
	}
	if txn.WaitDeadline != nil {
		m["wait_deadline"] = txn.WaitDeadline.Format(time.RFC3339Nano)
	}
	if txn.CompletedAt != nil {
		m["completed_at"] = txn.CompletedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToTxn(m map[string]string) (*workflow.Transaction, error) {
	tID, err := id.ParseTransactionID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse transaction id: %w", err)
	}

	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	txn := &workflow.Transaction{
		Entity: loom.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:          tID,
		WorkflowID:  m["workflow_id"],
		State:       workflow.State(m["state"]),
		Input:       []byte(m["input"]),
		WaitingStep: m["waiting_step"],
		Error:       m["error"],
		StartedAt:   startedAt,
	}

	if v := m["outputs"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &txn.Outputs) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["decisions"]; v != "" && v != "null" {
		_ = json.Unmarshal([]byte(v), &txn.Decisions) //nolint:errcheck // best-effort parse from trusted Redis data
	}
	if v := m["result"]; v != "" {
		txn.Result = json.RawMessage(v)
	}
	if v := m["wait_deadline"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		txn.WaitDeadline = &t
	}
	if v := m["completed_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		txn.CompletedAt = &t
	}
	return txn, nil
}

func execToMap(exec *workflow.StepExecution) map[string]interface{} {
	m := map[string]interface{}{
		"id":             exec.ID.String(),
		"transaction_id": exec.TransactionID.String(),
		"step_name":      exec.StepName,
		"status":         string(exec.Status),
		"attempt":        strconv.Itoa(exec.Attempt),
		"input":          string(exec.Input),
		"output":         string(exec.Output),
		"error":          exec.Error,
		"started_at":     exec.StartedAt.Format(time.RFC3339Nano),
		"created_at":     exec.CreatedAt.Format(time.RFC3339Nano),
		"updated_at":     exec.UpdatedAt.Format(time.RFC3339Nano),
	}
	if exec.FinishedAt != nil {
		m["finished_at"] = exec.FinishedAt.Format(time.RFC3339Nano)
	}
	return m
}

func mapToExec(m map[string]string) (*workflow.StepExecution, error) {
	eID, err := id.ParseStepExecID(m["id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse execution id: %w", err)
	}
	tID, err := id.ParseTransactionID(m["transaction_id"])
	if err != nil {
		return nil, fmt.Errorf("loom/redis: parse execution transaction id: %w", err)
	}

	attempt, _ := strconv.Atoi(m["attempt"])                      //nolint:errcheck // best-effort parse from trusted Redis data
	startedAt, _ := time.Parse(time.RFC3339Nano, m["started_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	createdAt, _ := time.Parse(time.RFC3339Nano, m["created_at"]) //nolint:errcheck // best-effort parse from trusted Redis data
	updatedAt, _ := time.Parse(time.RFC3339Nano, m["updated_at"]) //nolint:errcheck // best-effort parse from trusted Redis data

	exec := &workflow.StepExecution{
		Entity: loom.Entity{
			CreatedAt: createdAt,
			UpdatedAt: updatedAt,
		},
		ID:            eID,
		TransactionID: tID,
		StepName:      m["step_name"],
		Status:        workflow.StepStatus(m["status"]),
		Attempt:       attempt,
		Input:         []byte(m["input"]),
		Output:        []byte(m["output"]),
		Error:         m["error"],
		StartedAt:     startedAt,
	}

	if v := m["finished_at"]; v != "" {
		t, _ := time.Parse(time.RFC3339Nano, v) //nolint:errcheck // best-effort parse from trusted Redis data
		exec.FinishedAt = &t
	}
	return exec, nil
}

// marshalJSON is a helper to marshal to JSON string.
func marshalJSON(v interface{}) string {
	b, _ := json.Marshal(v) //nolint:errcheck // marshal should not fail for basic types
	return string(b)
}
