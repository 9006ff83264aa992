// Package storage defines the persistence boundaries of the pipeline and
// provides in-memory implementations. Durable engines are external sinks;
// the interfaces here capture the consistency the orchestrator requires of
// them: atomic append for usage and audit, read-your-writes aggregation,
// and duplicate rejection for exactly-once metering.
package storage

import (
	"context"
	"errors"

	"github.com/weailabs/skillrun/pkg/domain"
)

// ErrNotFound is returned when a requested record does not exist in a store.
var ErrNotFound = errors.New("record not found")

// ErrDuplicate is returned when an append would violate a uniqueness
// guarantee, e.g. a second usage record for the same execution id.
var ErrDuplicate = errors.New("record already exists")

// UsageStore persists metered usage records. Appends must be atomic and
// reject duplicates by execution id so concurrent recorders can never double
// count.
type UsageStore interface {
	Append(ctx context.Context, record domain.UsageRecord) error
	// List returns all records for the org and period, in append order.
	List(ctx context.Context, orgID string, period domain.Period) ([]domain.UsageRecord, error)
	Close() error
}

// SettlementStore persists committed settlement results keyed by org+period.
// Save must fail with ErrDuplicate if a result for the key already exists;
// the settler relies on this for one-way commit semantics.
type SettlementStore interface {
	Get(ctx context.Context, orgID string, period domain.Period) (*domain.SettlementResult, error)
	Save(ctx context.Context, result domain.SettlementResult) error
	Close() error
}

// AuditSink is the append-only destination for audit records. Appends must be
// atomic; records are never updated or deleted once written.
type AuditSink interface {
	Append(ctx context.Context, record domain.AuditRecord) error
	// Chain returns the records for a correlation id, in append order.
	Chain(ctx context.Context, correlationID string) ([]domain.AuditRecord, error)
	// Last returns the most recent record for a correlation id, or nil.
	Last(ctx context.Context, correlationID string) (*domain.AuditRecord, error)
	Close() error
}
