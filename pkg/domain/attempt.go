package domain

import "time"

// AttemptState is the lifecycle state of one execution attempt.
type AttemptState string

// Pipeline lifecycle states. The happy path is
// PENDING → VALIDATING → EXECUTING → METERING → SETTLED.
const (
	StatePending    AttemptState = "PENDING"
	StateValidating AttemptState = "VALIDATING"
	StateExecuting  AttemptState = "EXECUTING"
	StateMetering   AttemptState = "METERING"
	StateSettled    AttemptState = "SETTLED"
	StateRejected   AttemptState = "REJECTED"
	StateFailed     AttemptState = "FAILED"
	StateTimeout    AttemptState = "TIMEOUT"
	StateRollback   AttemptState = "ROLLBACK"
)

// Terminal reports whether the state ends the pipeline.
func (s AttemptState) Terminal() bool {
	switch s {
	case StateSettled, StateRejected, StateFailed, StateTimeout, StateRollback:
		return true
	default:
		return false
	}
}

// ExecutionAttempt is the orchestrator-owned state for one in-flight request.
// It wraps the immutable request with the current lifecycle state, transition
// timestamps, and the partial results accumulated per stage. The orchestrator
// is its sole owner; it is discarded once a terminal state is reached.
type ExecutionAttempt struct {
	ID      string
	Request ExecutionRequest
	State   AttemptState

	// TransitionedAt records when each state was entered.
	TransitionedAt map[AttemptState]time.Time

	Definition *SkillDefinition
	Billing    *BillingDecision
	Output     map[string]any
	Metrics    ExecutionMetrics
}

// NewExecutionAttempt wraps a request in its initial PENDING state.
func NewExecutionAttempt(id string, req ExecutionRequest, now time.Time) *ExecutionAttempt {
	return &ExecutionAttempt{
		ID:             id,
		Request:        req,
		State:          StatePending,
		TransitionedAt: map[AttemptState]time.Time{StatePending: now},
	}
}

// Transition moves the attempt to the next state, stamping the time.
func (a *ExecutionAttempt) Transition(to AttemptState, now time.Time) {
	a.State = to
	a.TransitionedAt[to] = now
}

// DryRun reports whether the attempt runs in simulation mode.
func (a *ExecutionAttempt) DryRun() bool {
	return a.Request.Options.DryRun
}

// ExecutionMetrics captures timing and resource counters for an attempt.
// Metrics are always produced; on failure CompletedAt is the failure time.
type ExecutionMetrics struct {
	StartedAt       time.Time     `json:"startedAt"`
	CompletedAt     time.Time     `json:"completedAt"`
	Duration        time.Duration `json:"duration"`
	InvocationUnits int64         `json:"invocationUnits"`
}

// Complete stamps the end of the measured window and derives the duration.
func (m *ExecutionMetrics) Complete(now time.Time) {
	m.CompletedAt = now
	m.Duration = now.Sub(m.StartedAt)
}

// ExecutionError is the structured, caller-visible error in a result.
type ExecutionError struct {
	Code      ErrorCode `json:"code"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// ExecutionResult is the terminal artifact returned to the caller.
// Exactly one is produced per attempt.
type ExecutionResult struct {
	Success   bool             `json:"success"`
	Simulated bool             `json:"simulated,omitempty"`
	SkillID   string           `json:"skillId"`
	State     AttemptState     `json:"state"`
	Output    map[string]any   `json:"output,omitempty"`
	Err       *ExecutionError  `json:"error,omitempty"`
	Metrics   ExecutionMetrics `json:"metrics"`
	// AuditRef is the id of the attempt's terminal audit record.
	AuditRef      string `json:"auditRef,omitempty"`
	CorrelationID string `json:"correlationId"`
}
