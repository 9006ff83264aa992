package engine

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/weailabs/skillrun/pkg/audit"
	"github.com/weailabs/skillrun/pkg/billing"
	"github.com/weailabs/skillrun/pkg/domain"
	"github.com/weailabs/skillrun/pkg/executor"
	"github.com/weailabs/skillrun/pkg/meter"
	"github.com/weailabs/skillrun/pkg/policy"
	"github.com/weailabs/skillrun/pkg/registry"
	"github.com/weailabs/skillrun/pkg/telemetry"
)

// Audit actions recorded at each pipeline transition.
const (
	actionReceived  = "received"
	actionValidated = "validated"
	actionExecuted  = "executed"
	actionMetered   = "metered"
	actionTimeout   = "timeout"
)

// Orchestrator sequences the pipeline stages for one attempt at a time.
// Instances are safe for concurrent use; all per-attempt state lives in the
// ExecutionAttempt.
type Orchestrator struct {
	resolver *registry.Resolver
	authz    policy.Authorizer
	gate     *billing.Gate
	executor *executor.Executor
	meter    *meter.Meter
	auditor  *audit.Auditor
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// Config assembles an orchestrator from its stage components.
type Config struct {
	Resolver *registry.Resolver
	Policy   policy.Authorizer
	Gate     *billing.Gate
	Executor *executor.Executor
	Meter    *meter.Meter
	Auditor  *audit.Auditor
	Logger   *slog.Logger
	Now      func() time.Time
}

// New builds an orchestrator. All stage components are required; Logger and
// Now default to slog.Default and time.Now.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	return &Orchestrator{
		resolver: cfg.Resolver,
		authz:    cfg.Policy,
		gate:     cfg.Gate,
		executor: cfg.Executor,
		meter:    cfg.Meter,
		auditor:  cfg.Auditor,
		logger:   logger,
		tracer:   otel.Tracer("skillrun.pipeline"),
		now:      now,
	}
}

// Run drives one request through the pipeline and always returns a terminal
// result. Pipeline faults are reported inside the result, never as a Go
// error, so callers observe exactly one outcome per attempt.
func (o *Orchestrator) Run(ctx context.Context, req domain.ExecutionRequest) domain.ExecutionResult {
	if req.Context.CorrelationID == "" {
		req.Context.CorrelationID = uuid.NewString()
	}
	if req.Context.RequestedAt.IsZero() {
		req.Context.RequestedAt = o.now()
	}

	ctx, span := o.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("skill.id", req.SkillID),
		attribute.String("org.id", req.Context.OrgID),
		attribute.String("correlation.id", req.Context.CorrelationID),
		attribute.Bool("attempt.dry_run", req.Options.DryRun),
	))
	defer span.End()

	attempt := domain.NewExecutionAttempt(uuid.NewString(), req, o.now())
	log := o.logger.With(
		"execution_id", attempt.ID,
		"skill_id", req.SkillID,
		"org_id", req.Context.OrgID,
		"correlation_id", req.Context.CorrelationID,
		"dry_run", req.Options.DryRun,
	)

	result := o.run(ctx, attempt, log)

	span.SetAttributes(attribute.String("attempt.state", string(result.State)))
	if result.Err != nil {
		span.SetStatus(codes.Error, string(result.Err.Code))
	}

	metrics := telemetry.AttemptMetrics{
		SkillID:   req.SkillID,
		OrgID:     req.Context.OrgID,
		ActorKind: string(req.Context.Actor),
		State:     result.State,
		DryRun:    req.Options.DryRun,
		Duration:  result.Metrics.Duration,
	}
	if attempt.Definition != nil {
		metrics.SkillVersion = versionString(attempt.Definition.Version)
	}
	if result.Err != nil {
		metrics.Code = result.Err.Code
	}
	telemetry.RecordAttemptMetrics(ctx, metrics)

	log.Info("attempt finished",
		"state", result.State,
		"success", result.Success,
		"duration", result.Metrics.Duration,
	)
	return result
}

func (o *Orchestrator) run(ctx context.Context, attempt *domain.ExecutionAttempt, log *slog.Logger) domain.ExecutionResult {
	req := attempt.Request

	if err := o.advance(ctx, attempt, domain.StateValidating, actionReceived, ""); err != nil {
		log.Error("audit append failed", "action", actionReceived, "error", err)
		return o.rollback(ctx, attempt, "rollback: audit failure", log)
	}

	// Stage 1: request sanity.
	if msg := requestProblem(req); msg != "" {
		return o.reject(ctx, attempt, domain.CodeValidationFailed, msg, log)
	}

	// Stage 2: resolve the skill definition.
	def, err := o.resolver.Resolve(ctx, req.SkillID, req.Version)
	if err != nil {
		switch code := domain.CodeOf(err); code {
		case domain.CodeSkillNotFound, domain.CodeValidationFailed:
			return o.reject(ctx, attempt, code, err.Error(), log)
		default:
			log.Error("skill resolution failed", "error", err)
			return o.terminate(ctx, attempt, domain.StateFailed, "failed: internal", err.Error(), internalError(), log)
		}
	}
	attempt.Definition = def

	// Stage 3: policy authorization, including the quota predicate.
	decision, err := o.authz.Authorize(ctx, req.Context, def, o.gate.QuotaPredicate())
	if err != nil {
		log.Error("policy evaluation failed", "error", err)
		return o.terminate(ctx, attempt, domain.StateFailed, "failed: internal", err.Error(), internalError(), log)
	}
	if !decision.Allow {
		log.Info("request denied", "predicate", decision.Predicate, "missing", decision.Missing)
		return o.reject(ctx, attempt, decision.Reason, denialMessage(decision), log)
	}

	// Stage 4: billing gate. Live attempts open a reservation here.
	billingDecision, err := o.gate.PreExecute(ctx, req.Context, def, attempt.DryRun())
	if err != nil {
		log.Error("billing gate failed", "error", err)
		return o.terminate(ctx, attempt, domain.StateFailed, "failed: internal", err.Error(), internalError(), log)
	}
	if !billingDecision.Allowed {
		return o.reject(ctx, attempt, domain.CodeQuotaExceeded, "organization quota exhausted", log)
	}
	attempt.Billing = &billingDecision
	if token := billingDecision.ReservationToken; token != "" {
		telemetry.RecordReservation(ctx, req.Context.OrgID, "reserved")
	}

	// Stage 5: input schema. The reservation is already held, so a schema
	// failure must release it before the terminal transition.
	if err := registry.ValidateInput(def, req.Input); err != nil {
		o.releaseReservation(ctx, attempt)
		return o.reject(ctx, attempt, domain.CodeValidationFailed, err.Error(), log)
	}

	if err := o.advance(ctx, attempt, domain.StateExecuting, actionValidated, ""); err != nil {
		log.Error("audit append failed", "action", actionValidated, "error", err)
		o.releaseReservation(ctx, attempt)
		return o.rollback(ctx, attempt, "rollback: audit failure", log)
	}

	// Stage 6: adapter invocation.
	var execErr error
	if attempt.DryRun() {
		execErr = o.executor.DryRun(ctx, attempt)
	} else {
		execErr = o.executor.Execute(ctx, attempt)
	}
	if execErr != nil {
		return o.executionFailed(ctx, attempt, execErr, log)
	}

	if err := o.advance(ctx, attempt, domain.StateMetering, actionExecuted, ""); err != nil {
		log.Error("audit append failed", "action", actionExecuted, "error", err)
		o.resolveReservation(ctx, attempt, false)
		return o.rollback(ctx, attempt, "rollback: audit failure", log)
	}

	// Stage 7: metering. A metering fault after a successful execution is
	// the one place a compensating rollback is mandatory: the reservation
	// is released and the attempt never settles.
	if err := o.meter.Record(ctx, attempt, domain.StateSettled); err != nil {
		log.Error("metering failed", "error", err)
		o.resolveReservation(ctx, attempt, false)
		return o.rollback(ctx, attempt, "rollback: meter failure", log)
	}

	o.resolveReservation(ctx, attempt, true)
	return o.terminate(ctx, attempt, domain.StateSettled, actionMetered, "", nil, log)
}

// executionFailed handles the terminal paths out of the EXECUTING state.
// The reservation is released, the failed attempt is metered for audit
// completeness, and the terminal state follows the error code.
func (o *Orchestrator) executionFailed(ctx context.Context, attempt *domain.ExecutionAttempt, execErr error, log *slog.Logger) domain.ExecutionResult {
	code := domain.CodeOf(execErr)

	state := domain.StateFailed
	action := "failed: " + string(code)
	switch code {
	case domain.CodeTimeout:
		state = domain.StateTimeout
		action = actionTimeout
	case domain.CodeInternal:
		// Same action as the other internal-fault paths.
		action = "failed: internal"
	}

	o.resolveReservation(ctx, attempt, false)

	if err := o.meter.Record(ctx, attempt, state); err != nil {
		// No charge is at stake for a failed attempt; record the fault and
		// keep the terminal state.
		log.Warn("metering of failed attempt lost", "error", err)
	}

	return o.terminate(ctx, attempt, state, action, execErr.Error(), &domain.ExecutionError{
		Code:      code,
		Message:   execErr.Error(),
		Retryable: code.Retryable(),
	}, log)
}

// advance appends the audit record for a non-terminal transition and then
// moves the attempt. The transition never happens if the append fails.
func (o *Orchestrator) advance(ctx context.Context, attempt *domain.ExecutionAttempt, to domain.AttemptState, action, reason string) error {
	if _, err := o.append(ctx, attempt, to, action, reason); err != nil {
		return err
	}
	attempt.Transition(to, o.now())
	return nil
}

func (o *Orchestrator) append(ctx context.Context, attempt *domain.ExecutionAttempt, to domain.AttemptState, action, reason string) (domain.AuditRecord, error) {
	return o.auditor.Append(ctx, domain.AuditRecord{
		CorrelationID: attempt.Request.Context.CorrelationID,
		Actor:         attempt.Request.Context.Actor,
		Action:        action,
		SkillID:       attempt.Request.SkillID,
		FromState:     attempt.State,
		ToState:       to,
		Reason:        reason,
	})
}

// reject terminates an attempt before execution with a caller-attributable
// code. Any reservation must already be resolved by the caller.
func (o *Orchestrator) reject(ctx context.Context, attempt *domain.ExecutionAttempt, code domain.ErrorCode, message string, log *slog.Logger) domain.ExecutionResult {
	return o.terminate(ctx, attempt, domain.StateRejected, "rejected: "+string(code), message, &domain.ExecutionError{
		Code:      code,
		Message:   message,
		Retryable: code.Retryable(),
	}, log)
}

// internalError builds the opaque caller-visible error used for internal
// pipeline faults.
func internalError() *domain.ExecutionError {
	return &domain.ExecutionError{
		Code:      domain.CodeInternal,
		Message:   "internal error",
		Retryable: domain.CodeInternal.Retryable(),
	}
}

// rollback terminates an attempt after an internal pipeline fault. The
// caller-visible error is deliberately opaque.
func (o *Orchestrator) rollback(ctx context.Context, attempt *domain.ExecutionAttempt, action string, log *slog.Logger) domain.ExecutionResult {
	return o.terminate(ctx, attempt, domain.StateRollback, action, "compensating rollback", &domain.ExecutionError{
		Code:      domain.CodeInternal,
		Message:   "internal pipeline fault, safe to retry",
		Retryable: true,
	}, log)
}

// terminate appends the terminal audit record, moves the attempt into its
// terminal state, and builds the result. An append failure here degrades the
// outcome to ROLLBACK so a successful charge can never go unaudited.
func (o *Orchestrator) terminate(ctx context.Context, attempt *domain.ExecutionAttempt, to domain.AttemptState, action, reason string, execErr *domain.ExecutionError, log *slog.Logger) domain.ExecutionResult {
	record, err := o.append(ctx, attempt, to, action, reason)
	if err != nil {
		log.Error("terminal audit append failed", "action", action, "error", err)
		if to != domain.StateRollback {
			// A settled attempt has already redeemed its reservation and
			// written a billable usage record, so a retry would charge twice.
			// Only pre-charge outcomes stay safe to retry.
			charged := to == domain.StateSettled
			message := "internal pipeline fault, safe to retry"
			if charged {
				message = "execution charged but its audit trail is incomplete, do not retry"
			}
			to = domain.StateRollback
			execErr = &domain.ExecutionError{
				Code:      domain.CodeInternal,
				Message:   message,
				Retryable: !charged,
			}
			// Best effort: the sink already failed once.
			record, _ = o.append(ctx, attempt, to, "rollback: audit failure", err.Error())
		}
	}
	attempt.Transition(to, o.now())

	if attempt.Metrics.StartedAt.IsZero() {
		attempt.Metrics.StartedAt = attempt.TransitionedAt[domain.StatePending]
	}
	if attempt.Metrics.CompletedAt.IsZero() {
		attempt.Metrics.Complete(o.now())
	}

	result := domain.ExecutionResult{
		Success:       to == domain.StateSettled,
		SkillID:       attempt.Request.SkillID,
		State:         to,
		Err:           execErr,
		Metrics:       attempt.Metrics,
		AuditRef:      record.ID,
		CorrelationID: attempt.Request.Context.CorrelationID,
	}
	if to == domain.StateSettled {
		result.Simulated = attempt.DryRun()
		result.Output = attempt.Output
	}
	return result
}

// resolveReservation redeems or releases the attempt's reservation through
// the gate's idempotent PostExecute path.
func (o *Orchestrator) resolveReservation(ctx context.Context, attempt *domain.ExecutionAttempt, success bool) {
	token := reservationToken(attempt)
	o.gate.PostExecute(attempt.ID, token, success, attempt.Metrics)
	if token == "" {
		return
	}
	outcome := "released"
	if success {
		outcome = "redeemed"
	}
	telemetry.RecordReservation(ctx, attempt.Request.Context.OrgID, outcome)
}

// releaseReservation drops the hold without recording an attempt outcome,
// for rejections that happen after the billing gate.
func (o *Orchestrator) releaseReservation(ctx context.Context, attempt *domain.ExecutionAttempt) {
	token := reservationToken(attempt)
	if token == "" {
		return
	}
	o.gate.Release(token)
	telemetry.RecordReservation(ctx, attempt.Request.Context.OrgID, "released")
}

func reservationToken(attempt *domain.ExecutionAttempt) string {
	if attempt.Billing == nil {
		return ""
	}
	return attempt.Billing.ReservationToken
}

func requestProblem(req domain.ExecutionRequest) string {
	switch {
	case req.SkillID == "":
		return "skill id is required"
	case req.Context.OrgID == "":
		return "organization id is required"
	case !req.Context.Actor.Valid():
		return "unknown actor kind " + string(req.Context.Actor)
	case req.Version < 0:
		return "version pin must not be negative"
	default:
		return ""
	}
}

func denialMessage(decision policy.Decision) string {
	switch decision.Predicate {
	case policy.PredicatePermission:
		return "actor lacks a permission required by the skill"
	case policy.PredicateJurisdiction:
		return "skill is not available in the caller's jurisdiction"
	case policy.PredicateQuota:
		return "organization quota exhausted"
	default:
		return "request denied by policy"
	}
}

func versionString(v int) string {
	if v <= 0 {
		return ""
	}
	return "v" + strconv.Itoa(v)
}
