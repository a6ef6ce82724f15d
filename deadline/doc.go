// Package deadline enforces wait deadlines on parked transactions.
//
// An async step with a timeout parks its transaction with a wait
// deadline. Nothing inside the process is blocked on that wait; if the
// external system never answers, the transaction would sit in
// waiting-external forever. The [Scanner] is the collaborator that
// turns those silences into failures: on each scheduled pass it lists
// transactions whose deadline has passed and reports a synthetic
// failure outcome through the same signal path a real external failure
// would take, which triggers the normal compensation flow.
//
// Timing is coarse by design. A timed-out transaction is failed on the
// first scan after its deadline, not at the deadline itself, so the
// effective timeout is the configured duration plus up to one scan
// interval.
//
// Only one scanner acts at a time. Scanners race for a store-backed
// lease ([LeaseStore]) and only the holder scans, so processes sharing
// a database never double-fail a transaction.
package deadline
