// Package sqlite provides a SQLite implementation of store.Store using
// database/sql with the mattn/go-sqlite3 driver. Suited to single-node
// deployments and embedded use; the scan lease still works but there is
// only ever one contender.
package sqlite
