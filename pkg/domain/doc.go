// Package domain contains the core types shared across the skill execution
// pipeline: skill definitions, execution requests and attempts, billing and
// usage records, settlement artifacts, and audit records.
//
// The package is deliberately free of business logic and external
// dependencies. Components (registry, policy, billing, executor, meter,
// settler, auditor) consume these types; the orchestrator in pkg/engine
// sequences them.
package domain
