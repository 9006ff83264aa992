package billing

import (
	"context"
	"log/slog"
	"sync"

	"github.com/weailabs/skillrun/pkg/domain"
	"github.com/weailabs/skillrun/pkg/policy"
	"github.com/weailabs/skillrun/pkg/telemetry"
)

// InvocationUnits is the quota cost of one execution attempt.
const InvocationUnits int64 = 1

// Gate converts quota state into binding pre-execution decisions and owns
// the exactly-once resolution of reservations.
type Gate struct {
	ledger  *QuotaLedger
	logger  *slog.Logger
	metrics *telemetry.ServiceMetrics

	mu   sync.Mutex
	post map[string]postRecord // execution id → recorded outcome
}

type postRecord struct {
	metrics domain.ExecutionMetrics
	success bool
}

// GateConfig holds dependencies for creating a Gate.
type GateConfig struct {
	Ledger *QuotaLedger
	Logger *slog.Logger
	// Metrics, when set, keeps the held-reservation gauge in step with the
	// ledger.
	Metrics *telemetry.ServiceMetrics
}

// NewGate creates a billing gate over the given ledger.
func NewGate(cfg GateConfig) *Gate {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		ledger:  cfg.Ledger,
		logger:  logger,
		metrics: cfg.Metrics,
		post:    make(map[string]postRecord),
	}
}

func (g *Gate) updateHeldGauge() {
	if g.metrics != nil {
		g.metrics.SetReservationsHeld(g.ledger.OpenReservations())
	}
}

// Ledger exposes the underlying quota ledger.
func (g *Gate) Ledger() *QuotaLedger {
	return g.ledger
}

// PreExecute converts the quota check into a binding decision before any side
// effect occurs. In live mode an approved decision carries a reservation
// token that must be redeemed or released exactly once. In dry-run mode the
// quota is validated but no hold is created.
func (g *Gate) PreExecute(_ context.Context, execCtx domain.ExecutionContext, _ *domain.SkillDefinition, dryRun bool) (domain.BillingDecision, error) {
	if dryRun {
		if !g.ledger.Headroom(execCtx.OrgID, InvocationUnits) {
			return domain.BillingDecision{Allowed: false, Reason: domain.CodeQuotaExceeded}, nil
		}
		return domain.BillingDecision{Allowed: true}, nil
	}

	token, err := g.ledger.Reserve(execCtx.OrgID, InvocationUnits)
	if err != nil {
		if domain.CodeOf(err) == domain.CodeQuotaExceeded {
			return domain.BillingDecision{Allowed: false, Reason: domain.CodeQuotaExceeded}, nil
		}
		return domain.BillingDecision{}, err
	}

	g.updateHeldGauge()
	g.logger.Debug("quota reserved", "org_id", execCtx.OrgID, "token", token)
	return domain.BillingDecision{Allowed: true, ReservationToken: token}, nil
}

// PostExecute resolves the attempt's reservation and records the outcome.
// Idempotent per execution id: a second call with the same id is a no-op and
// can never double-resolve the hold.
func (g *Gate) PostExecute(executionID, token string, success bool, metrics domain.ExecutionMetrics) {
	g.mu.Lock()
	if _, seen := g.post[executionID]; seen {
		g.mu.Unlock()
		return
	}
	g.post[executionID] = postRecord{metrics: metrics, success: success}
	g.mu.Unlock()

	if token == "" {
		return
	}

	var err error
	if success {
		err = g.ledger.Redeem(token)
	} else {
		err = g.ledger.Release(token)
	}
	if err != nil {
		g.logger.Warn("reservation already resolved", "execution_id", executionID, "error", err)
	}
	g.updateHeldGauge()
}

// Release drops a reservation without consuming quota, for rejection and
// rollback paths that bypass PostExecute.
func (g *Gate) Release(token string) {
	if token == "" {
		return
	}
	if err := g.ledger.Release(token); err != nil {
		g.logger.Warn("release of resolved reservation ignored", "error", err)
	}
	g.updateHeldGauge()
}

// QuotaPredicate adapts the ledger's headroom check for the policy engine.
func (g *Gate) QuotaPredicate() policy.QuotaPredicate {
	return func(_ context.Context, execCtx domain.ExecutionContext, _ *domain.SkillDefinition) bool {
		return g.ledger.Headroom(execCtx.OrgID, InvocationUnits)
	}
}

// Settle applies a committed settlement to the organization's balance. This
// is the only operation permitted to commit a balance change; reservations
// and redemptions are advisory until it runs.
func (g *Gate) Settle(result domain.SettlementResult) {
	g.ledger.CommitBalance(result.OrgID, result.AmountMicros)
	g.logger.Info("settlement committed",
		"org_id", result.OrgID,
		"period", result.Period,
		"amount_micros", result.AmountMicros,
	)
}
