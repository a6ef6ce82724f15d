// Package observability provides an OpenTelemetry-based metrics
// extension for Loom. The MetricsExtension implements lifecycle hooks
// to record system-wide counters for transaction, step, compensation,
// signal, deadline, and intervention events.
//
// For per-step tracing and metrics, see the middleware package:
// middleware.Tracing() and middleware.Metrics().
package observability
