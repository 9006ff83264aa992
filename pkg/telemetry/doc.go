// Package telemetry wires OpenTelemetry tracing and metrics plus the
// Prometheus service registry for the execution pipeline.
package telemetry
