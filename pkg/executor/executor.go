// Package executor dispatches validated execution attempts to the adapter
// bound to the resolved skill, enforcing deadlines and classifying faults.
// Dry-run dispatch guarantees no side-effecting adapter operation is ever
// invoked: pure adapters run directly, side-effecting adapters must declare
// a simulation path, and anything undeclared is refused rather than guessed
// at.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weailabs/skillrun/pkg/adapter"
	"github.com/weailabs/skillrun/pkg/domain"
)

// DefaultDeadline bounds adapter invocations when the request does not carry
// its own deadline. The default is a configuration option, not a skill
// property.
const DefaultDeadline = 30 * time.Second

// Executor invokes skill adapters with a bounded deadline.
type Executor struct {
	adapters        *adapter.Registry
	defaultDeadline time.Duration
	logger          *slog.Logger
	now             func() time.Time
}

// Config holds dependencies for creating an Executor.
type Config struct {
	Adapters        *adapter.Registry
	DefaultDeadline time.Duration
	Logger          *slog.Logger
}

// New creates an Executor over the given adapter registry.
func New(cfg Config) *Executor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	deadline := cfg.DefaultDeadline
	if deadline <= 0 {
		deadline = DefaultDeadline
	}
	return &Executor{
		adapters:        cfg.Adapters,
		defaultDeadline: deadline,
		logger:          logger,
		now:             time.Now,
	}
}

// Execute runs the attempt's adapter in live mode. Metrics are always
// populated on the attempt, with the completion time set to the failure time
// when the invocation fails.
func (e *Executor) Execute(ctx context.Context, attempt *domain.ExecutionAttempt) error {
	return e.run(ctx, attempt, false)
}

// DryRun runs the attempt without side effects and marks its output
// simulated. Side-effecting adapters are dispatched through their declared
// simulation path; adapters without one are refused.
func (e *Executor) DryRun(ctx context.Context, attempt *domain.ExecutionAttempt) error {
	return e.run(ctx, attempt, true)
}

func (e *Executor) run(ctx context.Context, attempt *domain.ExecutionAttempt, dryRun bool) error {
	attempt.Metrics = domain.ExecutionMetrics{
		StartedAt:       e.now(),
		InvocationUnits: 1,
	}
	defer func() { attempt.Metrics.Complete(e.now()) }()

	bound, ok := e.adapters.Resolve(attempt.Definition.ID)
	if !ok {
		return domain.NewDomainError(domain.ErrAdapterNotBound, domain.CodeExecutionFailed,
			fmt.Sprintf("skill %s has no bound adapter", attempt.Definition.ID))
	}

	invoke := bound.Invoke
	if dryRun && bound.Manifest().SideEffecting {
		sim, ok := bound.(adapter.Simulator)
		if !ok {
			// Refuse rather than guess whether the adapter is safe to call.
			return domain.NewDomainError(domain.ErrExecutionFailed, domain.CodeExecutionFailed,
				fmt.Sprintf("skill %s adapter is side-effecting and declares no simulation path", attempt.Definition.ID))
		}
		invoke = sim.Simulate
	}

	deadline := attempt.Request.Options.Deadline
	if deadline <= 0 {
		deadline = e.defaultDeadline
	}
	invokeCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	output, err := invoke(invokeCtx, adapter.InvokeRequest{
		ExecutionID: attempt.ID,
		Input:       attempt.Request.Input,
		Context:     attempt.Request.Context,
	})
	if err != nil {
		return e.classify(attempt, invokeCtx, deadline, err)
	}

	attempt.Output = output
	return nil
}

// classify attributes an invocation fault: deadline expiry is TIMEOUT,
// adapter-reported domain errors are EXECUTION_FAILED, and everything else
// is an internal fault never exposed as adapter-attributable.
func (e *Executor) classify(attempt *domain.ExecutionAttempt, invokeCtx context.Context, deadline time.Duration, err error) error {
	if invokeCtx.Err() == context.DeadlineExceeded || errors.Is(err, context.DeadlineExceeded) {
		return domain.NewDomainError(domain.ErrTimeout, domain.CodeTimeout,
			fmt.Sprintf("skill %s exceeded %s deadline", attempt.Definition.ID, deadline))
	}

	var de *domain.DomainError
	if errors.As(err, &de) && de.Code == domain.CodeExecutionFailed {
		return err
	}

	e.logger.Error("adapter invocation fault",
		"skill_id", attempt.Definition.ID,
		"execution_id", attempt.ID,
		"error", err,
	)
	return domain.NewDomainError(err, domain.CodeInternal, "internal execution fault")
}
