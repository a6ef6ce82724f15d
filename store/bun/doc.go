// Package bunstore provides a Bun ORM implementation of store.Store
// using the PostgreSQL dialect. It shares the schema of the pgx-based
// postgres backend, so either can run against the same database.
package bunstore
