// Package engine implements the inbound operations of the incident simulator.
//
// Architecture:
//
// service.go   - Service, AnalyzeBuffer, AnalyzeFeature and the manual critical/warning triggers
// incident.go  - TriggerIncident and the SRE overlay profiles
// features.go  - Feature catalog and mock analysis results
//
// Every operation begins a correlation context, asks the scenario selector for an
// outcome, builds diagnostic records and hands them to the telemetry pipeline.
// Telemetry delivery never changes what an operation returns.
package engine
