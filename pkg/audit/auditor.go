// Package audit appends the immutable, hash-linked record trail every
// pipeline transition produces. Records for one correlation id form a chain:
// each record hashes its predecessor, so an external verifier can detect any
// gap, reorder, or mutation offline without trusting the store.
package audit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/weailabs/skillrun/pkg/domain"
	"github.com/weailabs/skillrun/pkg/storage"
	"github.com/weailabs/skillrun/pkg/telemetry"
)

// Auditor appends hash-chained audit records to a sink.
type Auditor struct {
	sink    storage.AuditSink
	logger  *slog.Logger
	metrics *telemetry.ServiceMetrics
	now     func() time.Time
}

// Config holds dependencies for creating an Auditor.
type Config struct {
	Sink   storage.AuditSink
	Logger *slog.Logger
	// Metrics, when set, counts successfully appended records.
	Metrics *telemetry.ServiceMetrics
}

// New creates an Auditor over the given sink.
func New(cfg Config) *Auditor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{sink: cfg.Sink, logger: logger, metrics: cfg.Metrics, now: time.Now}
}

// Append assigns the record's id, timestamp, and chain hashes, then writes it
// to the sink. The returned record is the stored, chained form. Append
// failures must be treated as fatal to the attempt by the caller: a charge
// without an audit trail is never acceptable.
func (a *Auditor) Append(ctx context.Context, record domain.AuditRecord) (domain.AuditRecord, error) {
	prev, err := a.sink.Last(ctx, record.CorrelationID)
	if err != nil {
		return domain.AuditRecord{}, fmt.Errorf("audit chain head %s: %w", record.CorrelationID, err)
	}

	record.ID = uuid.NewString()
	record.Timestamp = a.now().UTC()
	if prev != nil {
		record.PrevHash = prev.Hash
	}
	record.Hash = recordHash(record)

	if err := a.sink.Append(ctx, record); err != nil {
		return domain.AuditRecord{}, fmt.Errorf("audit append %s: %w", record.CorrelationID, err)
	}
	if a.metrics != nil {
		a.metrics.RecordAuditRecord()
	}

	a.logger.Debug("audit record appended",
		"correlation_id", record.CorrelationID,
		"action", record.Action,
		"from", record.FromState,
		"to", record.ToState,
	)
	return record, nil
}

// Chain returns the stored records for a correlation id in append order.
func (a *Auditor) Chain(ctx context.Context, correlationID string) ([]domain.AuditRecord, error) {
	return a.sink.Chain(ctx, correlationID)
}

// recordHash computes the content hash binding a record to its predecessor.
func recordHash(record domain.AuditRecord) string {
	h := sha256.New()
	writeField(h, record.PrevHash)
	writeField(h, record.ID)
	writeField(h, record.Timestamp.Format(time.RFC3339Nano))
	writeField(h, record.CorrelationID)
	writeField(h, string(record.Actor))
	writeField(h, record.Action)
	writeField(h, record.SkillID)
	writeField(h, string(record.FromState))
	writeField(h, string(record.ToState))
	writeField(h, record.Reason)
	return hex.EncodeToString(h.Sum(nil))
}

func writeField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// VerifyChain checks that a correlation id's records form an unbroken,
// untampered chain. It recomputes every content hash and checks each link
// against its predecessor. The empty chain verifies trivially.
func VerifyChain(records []domain.AuditRecord) error {
	prevHash := ""
	for i, record := range records {
		if record.PrevHash != prevHash {
			return fmt.Errorf("audit chain broken at record %d (%s): expected prev hash %q, got %q",
				i, record.ID, prevHash, record.PrevHash)
		}
		if computed := recordHash(record); computed != record.Hash {
			return fmt.Errorf("audit record %d (%s) content hash mismatch", i, record.ID)
		}
		prevHash = record.Hash
	}
	return nil
}
