// Package billing implements the billing gate: the pre-execution hook that
// turns a quota check into a binding decision, the advisory reservation
// ledger behind it, and the commit path used by settlement. Quota counters
// are the only transactionally mutated shared state in the pipeline; all
// mutation goes through the ledger, never through the orchestrator or
// executor directly.
package billing

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/weailabs/skillrun/pkg/domain"
)

// QuotaLedger tracks per-organization invocation-unit quotas for the current
// period. Reservations are advisory holds: they count against headroom
// immediately and linearizably, but only settlement commits balance changes.
type QuotaLedger struct {
	mu           sync.Mutex
	limits       map[string]int64 // org → units per period; absent falls back to defaultLimit
	defaultLimit int64            // zero means unlimited

	reserved     map[string]int64 // org:period → units currently held
	used         map[string]int64 // org:period → units redeemed
	reservations map[string]*reservation
	balances     map[string]int64 // org → committed balance micros

	now func() time.Time
}

type reservation struct {
	token    string
	orgID    string
	period   domain.Period
	units    int64
	resolved bool
}

// NewQuotaLedger creates a ledger with the given per-org limits. A zero
// default limit disables quota enforcement for unlisted organizations.
func NewQuotaLedger(limits map[string]int64, defaultLimit int64) *QuotaLedger {
	l := &QuotaLedger{
		reserved:     make(map[string]int64),
		used:         make(map[string]int64),
		reservations: make(map[string]*reservation),
		balances:     make(map[string]int64),
		now:          time.Now,
	}
	l.SetLimits(limits, defaultLimit)
	return l
}

// SetLimits atomically replaces the quota configuration. Existing holds are
// preserved; the new limits apply to subsequent reservations.
func (l *QuotaLedger) SetLimits(limits map[string]int64, defaultLimit int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.limits = make(map[string]int64, len(limits))
	for org, limit := range limits {
		l.limits[org] = limit
	}
	l.defaultLimit = defaultLimit
}

func (l *QuotaLedger) key(orgID string) string {
	return orgID + ":" + string(domain.PeriodOf(l.now()))
}

func (l *QuotaLedger) limitFor(orgID string) int64 {
	if limit, ok := l.limits[orgID]; ok {
		return limit
	}
	return l.defaultLimit
}

// Headroom reports whether the organization could reserve the given units
// without exceeding its quota. Pure read; used by the policy quota predicate
// and by dry-run pre-execute checks.
func (l *QuotaLedger) Headroom(orgID string, units int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.headroomLocked(orgID, units)
}

func (l *QuotaLedger) headroomLocked(orgID string, units int64) bool {
	limit := l.limitFor(orgID)
	if limit <= 0 {
		return true
	}
	key := l.key(orgID)
	return l.reserved[key]+l.used[key]+units <= limit
}

// Reserve atomically places an advisory hold against the organization's
// quota. The hold is visible to concurrent reservations immediately, so two
// racing requests can never jointly over-commit a finite quota.
func (l *QuotaLedger) Reserve(orgID string, units int64) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.headroomLocked(orgID, units) {
		return "", domain.NewDomainError(domain.ErrQuotaExceeded, domain.CodeQuotaExceeded,
			fmt.Sprintf("org %s quota exhausted", orgID))
	}

	token := uuid.NewString()
	period := domain.PeriodOf(l.now())
	l.reservations[token] = &reservation{token: token, orgID: orgID, period: period, units: units}
	l.reserved[orgID+":"+string(period)] += units
	return token, nil
}

// Release drops a hold without consuming quota. Resolving an already
// resolved or unknown token fails with ErrReservationSpent.
func (l *QuotaLedger) Release(token string) error {
	return l.resolve(token, false)
}

// Redeem converts a hold into consumed quota. The attempt's units count
// against the period's limit from this point on.
func (l *QuotaLedger) Redeem(token string) error {
	return l.resolve(token, true)
}

func (l *QuotaLedger) resolve(token string, redeem bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[token]
	if !ok || res.resolved {
		return fmt.Errorf("reservation %s: %w", token, domain.ErrReservationSpent)
	}
	res.resolved = true

	key := res.orgID + ":" + string(res.period)
	l.reserved[key] -= res.units
	if redeem {
		l.used[key] += res.units
	}
	return nil
}

// OpenReservations returns the number of unresolved holds across all
// organizations. Feeds the held-reservation gauge.
func (l *QuotaLedger) OpenReservations() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	open := 0
	for _, res := range l.reservations {
		if !res.resolved {
			open++
		}
	}
	return open
}

// Held returns the units currently reserved for an organization in the
// current period.
func (l *QuotaLedger) Held(orgID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.reserved[l.key(orgID)]
}

// Used returns the units redeemed for an organization in the current period.
func (l *QuotaLedger) Used(orgID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.used[l.key(orgID)]
}

// CommitBalance applies a settled charge to the organization's balance.
// Only the settlement path calls this.
func (l *QuotaLedger) CommitBalance(orgID string, amountMicros int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[orgID] += amountMicros
}

// Balance returns the committed balance for an organization, in micros.
func (l *QuotaLedger) Balance(orgID string) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balances[orgID]
}
