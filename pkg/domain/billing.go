package domain

import (
	"fmt"
	"time"
)

// Period identifies a monthly usage/settlement window, formatted YYYY-MM.
type Period string

// PeriodOf returns the period containing the given instant, in UTC.
func PeriodOf(t time.Time) Period {
	return Period(t.UTC().Format("2006-01"))
}

// Valid reports whether the period parses as YYYY-MM.
func (p Period) Valid() bool {
	_, err := time.Parse("2006-01", string(p))
	return err == nil
}

// BillingDecision is the binding pre-execution outcome of the billing gate.
// If a reservation token is present it must be redeemed or released exactly
// once before the attempt reaches a terminal state.
type BillingDecision struct {
	Allowed bool      `json:"allowed"`
	Reason  ErrorCode `json:"reason,omitempty"`
	// ReservationToken references the advisory quota hold. Empty in dry-run
	// mode and on denial.
	ReservationToken string `json:"reservationToken,omitempty"`
}

// UsageRecord is one metered execution attempt, derived by the meter after
// the executor completes. Failed attempts are metered too; only successful
// live attempts carry billable units.
type UsageRecord struct {
	ExecutionID   string       `json:"executionId"`
	OrgID         string       `json:"orgId"`
	SkillID       string       `json:"skillId"`
	Period        Period       `json:"period"`
	Outcome       AttemptState `json:"outcome"`
	Units         int64        `json:"units"`
	BillableUnits int64        `json:"billableUnits"`
	DryRun        bool         `json:"dryRun,omitempty"`
	RecordedAt    time.Time    `json:"recordedAt"`
}

// UsageReport aggregates the usage records for one organization and period.
// Built on demand by the meter; not stored per-request.
type UsageReport struct {
	OrgID         string           `json:"orgId"`
	Period        Period           `json:"period"`
	Records       int              `json:"records"`
	DryRunRecords int              `json:"dryRunRecords"`
	Units         int64            `json:"units"`
	BillableUnits int64            `json:"billableUnits"`
	UnitsBySkill  map[string]int64 `json:"unitsBySkill,omitempty"`
}

// ChargeLine is one priced entry of a settlement preview.
type ChargeLine struct {
	SkillID         string `json:"skillId"`
	Units           int64  `json:"units"`
	UnitPriceMicros int64  `json:"unitPriceMicros"`
	AmountMicros    int64  `json:"amountMicros"`
}

// SettlementPreview is the advisory, re-computable projection of charges for
// a usage report. Previews carry no commitment.
type SettlementPreview struct {
	OrgID       string       `json:"orgId"`
	Period      Period       `json:"period"`
	Lines       []ChargeLine `json:"lines"`
	TotalMicros int64        `json:"totalMicros"`
}

// IdempotencyKey identifies the settlement commit for this preview.
func (p SettlementPreview) IdempotencyKey() string {
	return fmt.Sprintf("%s/%s", p.OrgID, p.Period)
}

// SettlementResult is the one-way committed outcome of executing a preview.
type SettlementResult struct {
	ID           string    `json:"id"`
	OrgID        string    `json:"orgId"`
	Period       Period    `json:"period"`
	AmountMicros int64     `json:"amountMicros"`
	CommittedAt  time.Time `json:"committedAt"`
}
