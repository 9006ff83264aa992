package settle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weailabs/skillrun/internal/governance"
	"github.com/weailabs/skillrun/pkg/domain"
	"github.com/weailabs/skillrun/pkg/storage"
)

// BalanceCommitter applies a committed settlement to an organization's
// balance. The billing gate implements this; it is the only balance-changing
// path in the pipeline.
type BalanceCommitter interface {
	Settle(result domain.SettlementResult)
}

// Settler turns usage reports into settlement previews and commits them.
type Settler struct {
	pricing   PricingSource
	store     storage.SettlementStore
	committer BalanceCommitter
	retry     *governance.RetryPolicy
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	inFlight map[string]*sync.Mutex // org:period → commit lock
}

// Config holds dependencies for creating a Settler.
type Config struct {
	Pricing   PricingSource
	Store     storage.SettlementStore
	Committer BalanceCommitter
	Retry     governance.RetryConfig
	Logger    *slog.Logger
}

// New creates a Settler.
func New(cfg Config) *Settler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	retryCfg := cfg.Retry
	if retryCfg.MaxRetries == 0 && retryCfg.InitialBackoff == 0 {
		retryCfg = governance.DefaultRetryConfig()
	}
	return &Settler{
		pricing:   cfg.Pricing,
		store:     cfg.Store,
		committer: cfg.Committer,
		retry:     governance.NewRetryPolicy(retryCfg),
		logger:    logger,
		now:       time.Now,
		inFlight:  make(map[string]*sync.Mutex),
	}
}

// Calculate projects charge lines from a usage report. Pure and repeatable:
// the same report always yields the same preview.
func (s *Settler) Calculate(report domain.UsageReport) domain.SettlementPreview {
	preview := domain.SettlementPreview{
		OrgID:  report.OrgID,
		Period: report.Period,
	}

	skillIDs := make([]string, 0, len(report.UnitsBySkill))
	for skillID := range report.UnitsBySkill {
		skillIDs = append(skillIDs, skillID)
	}
	sort.Strings(skillIDs)

	for _, skillID := range skillIDs {
		units := report.UnitsBySkill[skillID]
		price := s.pricing.UnitPriceMicros(skillID)
		line := domain.ChargeLine{
			SkillID:         skillID,
			Units:           units,
			UnitPriceMicros: price,
			AmountMicros:    units * price,
		}
		preview.Lines = append(preview.Lines, line)
		preview.TotalMicros += line.AmountMicros
	}

	return preview
}

// Execute commits a settlement preview. Idempotent by org+period: executing
// the same preview twice returns the original result without a second
// charge. At most one commit per key is in flight at any time; transient
// store failures are retried with backoff and surfaced as SETTLEMENT_FAILED
// when exhausted.
func (s *Settler) Execute(ctx context.Context, preview domain.SettlementPreview) (domain.SettlementResult, error) {
	lock := s.lockFor(preview.IdempotencyKey())
	lock.Lock()
	defer lock.Unlock()

	if existing, err := s.store.Get(ctx, preview.OrgID, preview.Period); err == nil {
		return *existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return domain.SettlementResult{}, domain.NewDomainError(err, domain.CodeSettlementFailed,
			fmt.Sprintf("settlement lookup %s failed", preview.IdempotencyKey()))
	}

	result := domain.SettlementResult{
		ID:           uuid.NewString(),
		OrgID:        preview.OrgID,
		Period:       preview.Period,
		AmountMicros: preview.TotalMicros,
		CommittedAt:  s.now(),
	}

	err := s.retry.ExecuteWithRetry(ctx, func() error {
		saveErr := s.store.Save(ctx, result)
		if errors.Is(saveErr, storage.ErrDuplicate) {
			// Another instance won the commit; the Get below resolves it.
			return nil
		}
		return saveErr
	})
	if err != nil {
		return domain.SettlementResult{}, domain.NewDomainError(domain.ErrSettlementFailed, domain.CodeSettlementFailed,
			fmt.Sprintf("settlement commit %s failed: %v", preview.IdempotencyKey(), err))
	}

	committed, err := s.store.Get(ctx, preview.OrgID, preview.Period)
	if err != nil {
		return domain.SettlementResult{}, domain.NewDomainError(err, domain.CodeSettlementFailed,
			fmt.Sprintf("settlement readback %s failed", preview.IdempotencyKey()))
	}

	if committed.ID == result.ID && s.committer != nil {
		s.committer.Settle(*committed)
	}

	s.logger.Info("settlement executed",
		"org_id", committed.OrgID,
		"period", committed.Period,
		"amount_micros", committed.AmountMicros,
	)
	return *committed, nil
}

func (s *Settler) lockFor(key string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, ok := s.inFlight[key]
	if !ok {
		lock = &sync.Mutex{}
		s.inFlight[key] = lock
	}
	return lock
}

// UsageSource serves usage reports for the settlement cycle; the meter
// implements it.
type UsageSource interface {
	GetUsage(ctx context.Context, orgID string, period domain.Period) (domain.UsageReport, error)
}

// Cycle runs one settlement pass over the given organizations for a period:
// aggregate usage, calculate the preview, and commit it. Settlement is a
// periodic batch process, never invoked synchronously per request.
func (s *Settler) Cycle(ctx context.Context, usage UsageSource, orgIDs []string, period domain.Period) ([]domain.SettlementResult, error) {
	var results []domain.SettlementResult
	for _, orgID := range orgIDs {
		report, err := usage.GetUsage(ctx, orgID, period)
		if err != nil {
			return results, fmt.Errorf("settlement cycle %s: %w", orgID, err)
		}
		if report.BillableUnits == 0 {
			continue
		}
		result, err := s.Execute(ctx, s.Calculate(report))
		if err != nil {
			return results, fmt.Errorf("settlement cycle %s: %w", orgID, err)
		}
		results = append(results, result)
	}
	return results, nil
}
