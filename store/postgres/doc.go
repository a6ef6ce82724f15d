// Package postgres provides a PostgreSQL implementation of store.Store
// using pgx/v5 with pgxpool connection pooling. Schema migrations are
// embedded and applied by Migrate. The scan lease is a singleton row
// claimed with an atomic upsert, so one scanner per cluster expires
// wait deadlines.
package postgres
