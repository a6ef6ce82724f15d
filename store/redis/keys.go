package redis

// Redis key naming conventions for loom data.
// All keys are prefixed with "loom:" to avoid collisions.

const keyPrefix = "loom:"

// ── Transaction keys ──

// txnKey returns the key for a transaction entity: loom:txn:{id}
func txnKey(id string) string { return keyPrefix + "txn:" + id }

// txnIDsKey is the Set tracking all transaction IDs for enumeration.
const txnIDsKey = keyPrefix + "txn_ids"

// txnDeadlinesKey is the Sorted Set of parked transactions scored by
// their wait deadline, so expired waits are a range query.
const txnDeadlinesKey = keyPrefix + "txn_deadlines"

// ── Step execution keys ──

// execKey returns the key for an execution record: loom:exec:{id}
func execKey(id string) string { return keyPrefix + "exec:" + id }

// execIndexKey returns the List key tracking a transaction's execution
// records in creation order.
func execIndexKey(txnID string) string { return keyPrefix + "exec_idx:" + txnID }

// ── Event keys ──

// eventKey returns the key for an event entity: loom:event:{id}
func eventKey(id string) string { return keyPrefix + "event:" + id }

// eventIndexKey returns the List key tracking a transaction's events in
// publish order.
func eventIndexKey(txnID string) string { return keyPrefix + "event_idx:" + txnID }

// unackedEventsKey is the List of unconsumed event IDs in publish order.
const unackedEventsKey = keyPrefix + "events_unacked"

// ── Intervention keys ──

// interventionKey returns the key for an entry: loom:intervention:{id}
func interventionKey(id string) string { return keyPrefix + "intervention:" + id }

// interventionIDsKey is the List tracking entry IDs in creation order.
const interventionIDsKey = keyPrefix + "intervention_ids"

// ── Scanner keys ──

// scanLeaseKey stores the current scan lease holder.
const scanLeaseKey = keyPrefix + "scan_lease"
