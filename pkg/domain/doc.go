// Package domain defines the core types shared by the incident telemetry engine.
//
// It holds the scenario and record shapes, the immutable property map that every
// diagnostic record carries, and the error taxonomy surfaced to callers. The package
// depends on the Go standard library only; every other package depends on it and
// never the other way around:
//
//	integrity, scenario, correlation, diagnostics, telemetry, engine → domain
//
// Records and scenarios are values. Once built they are never mutated in place;
// helpers such as DiagnosticRecord.WithProperty return modified copies.
package domain
