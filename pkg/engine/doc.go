// Package engine drives a skill execution attempt through the pipeline
// lifecycle. The orchestrator owns the state machine: it sequences the
// resolver, policy engine, billing gate, executor, and meter, appends an
// audit record before every transition, and guarantees that the quota
// reservation opened for an attempt is redeemed or released exactly once
// before the attempt reaches a terminal state.
package engine
