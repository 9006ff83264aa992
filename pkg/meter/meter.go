// Package meter records usage facts for completed execution attempts and
// aggregates them into usage reports. Recording is append-only and
// duplicate-safe: the store rejects a second record for the same execution
// id, so concurrent orchestrator instances can never double count. Failed
// attempts are metered too, for audit completeness; only successful live
// attempts carry billable units.
package meter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/weailabs/skillrun/pkg/domain"
	"github.com/weailabs/skillrun/pkg/storage"
)

// Meter derives usage records from execution attempts and serves usage
// reports.
type Meter struct {
	store  storage.UsageStore
	logger *slog.Logger
	now    func() time.Time
}

// Config holds dependencies for creating a Meter.
type Config struct {
	Store  storage.UsageStore
	Logger *slog.Logger
}

// New creates a Meter over the given usage store.
func New(cfg Config) *Meter {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Meter{store: cfg.Store, logger: logger, now: time.Now}
}

// Record derives and appends the usage record for a completed attempt.
// A duplicate execution id is treated as already recorded, keeping Record
// idempotent; any other store failure is surfaced so the orchestrator can
// roll the attempt back.
func (m *Meter) Record(ctx context.Context, attempt *domain.ExecutionAttempt, outcome domain.AttemptState) error {
	record := domain.UsageRecord{
		ExecutionID: attempt.ID,
		OrgID:       attempt.Request.Context.OrgID,
		SkillID:     attempt.Definition.ID,
		Period:      domain.PeriodOf(m.now()),
		Outcome:     outcome,
		Units:       attempt.Metrics.InvocationUnits,
		DryRun:      attempt.DryRun(),
		RecordedAt:  m.now(),
	}
	// Only successful live executions are charged; failures and dry runs are
	// metered with zero billable units.
	if outcome == domain.StateSettled && !attempt.DryRun() {
		record.BillableUnits = record.Units
	}

	if err := m.store.Append(ctx, record); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			m.logger.Debug("usage record already present", "execution_id", attempt.ID)
			return nil
		}
		return fmt.Errorf("meter record: %w", err)
	}

	m.logger.Debug("usage recorded",
		"execution_id", attempt.ID,
		"org_id", record.OrgID,
		"skill_id", record.SkillID,
		"billable_units", record.BillableUnits,
		"dry_run", record.DryRun,
	)
	return nil
}

// GetUsage aggregates all records for an organization and period. The result
// is consistent with the sum of successful Record calls: no double counting,
// no omission.
func (m *Meter) GetUsage(ctx context.Context, orgID string, period domain.Period) (domain.UsageReport, error) {
	records, err := m.store.List(ctx, orgID, period)
	if err != nil {
		return domain.UsageReport{}, fmt.Errorf("meter usage %s/%s: %w", orgID, period, err)
	}

	report := domain.UsageReport{
		OrgID:        orgID,
		Period:       period,
		UnitsBySkill: make(map[string]int64),
	}
	for _, record := range records {
		report.Records++
		if record.DryRun {
			report.DryRunRecords++
			continue
		}
		report.Units += record.Units
		report.BillableUnits += record.BillableUnits
		if record.BillableUnits > 0 {
			report.UnitsBySkill[record.SkillID] += record.BillableUnits
		}
	}
	return report, nil
}
