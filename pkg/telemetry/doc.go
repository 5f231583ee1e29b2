// Package telemetry delivers diagnostic records to an observability backend.
//
// The Pipeline hands every record to a Backend on its own goroutine, retries a
// failed send exactly once after a fixed delay and abandons it silently after
// that, so callers never observe telemetry failures. OTelBackend maps records
// onto OpenTelemetry spans, span events and histograms; SetupProvider wires the
// process-wide tracer provider to an OTLP collector or stdout.
package telemetry
