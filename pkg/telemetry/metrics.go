package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/weailabs/skillrun/pkg/domain"
)

var (
	metricsOnce             sync.Once
	metricsInitErr          error
	attemptCounter          metric.Int64Counter
	attemptRejectionCounter metric.Int64Counter
	attemptTimeoutCounter   metric.Int64Counter
	attemptRollbackCounter  metric.Int64Counter
	reservationCounter      metric.Int64Counter
	attemptLatencyHistogram metric.Float64Histogram
)

// AttemptMetrics captures the fields needed to record pipeline attempt telemetry.
type AttemptMetrics struct {
	SkillID      string
	SkillVersion string
	OrgID        string
	ActorKind    string
	State        domain.AttemptState
	Code         domain.ErrorCode
	DryRun       bool
	Duration     time.Duration
}

// RecordAttemptMetrics emits counters and histograms describing how a skill
// execution attempt terminated.
func RecordAttemptMetrics(ctx context.Context, metrics AttemptMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("skill.id", metrics.SkillID),
		attribute.String("skill.version", metrics.SkillVersion),
		attribute.String("org.id", metrics.OrgID),
		attribute.String("actor.kind", metrics.ActorKind),
		attribute.String("attempt.state", string(metrics.State)),
		attribute.Bool("attempt.dry_run", metrics.DryRun),
	}
	if metrics.Code != "" {
		attrs = append(attrs, attribute.String("attempt.code", string(metrics.Code)))
	}

	attemptCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		attemptLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	switch metrics.State {
	case domain.StateRejected:
		attemptRejectionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case domain.StateTimeout:
		attemptTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	case domain.StateRollback:
		attemptRollbackCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

// RecordReservation emits a counter for a quota reservation lifecycle event.
// Outcome is one of "reserved", "redeemed" or "released".
func RecordReservation(ctx context.Context, orgID, outcome string) {
	if err := ensureMetrics(); err != nil {
		return
	}

	reservationCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("org.id", orgID),
		attribute.String("reservation.outcome", outcome),
	))
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("skillrun.pipeline")

		attemptCounter, metricsInitErr = meter.Int64Counter(
			"skillrun.attempt.executions_total",
			metric.WithDescription("Skill execution attempts partitioned by terminal state"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		attemptRejectionCounter, metricsInitErr = meter.Int64Counter(
			"skillrun.attempt.rejections_total",
			metric.WithDescription("Attempts rejected before execution"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		attemptTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"skillrun.attempt.timeouts_total",
			metric.WithDescription("Attempts terminated by deadline expiry"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		attemptRollbackCounter, metricsInitErr = meter.Int64Counter(
			"skillrun.attempt.rollbacks_total",
			metric.WithDescription("Attempts rolled back after metering or audit faults"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		reservationCounter, metricsInitErr = meter.Int64Counter(
			"skillrun.billing.reservations_total",
			metric.WithDescription("Quota reservation lifecycle events partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		attemptLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"skillrun.attempt.duration_ms",
			metric.WithDescription("Observed end-to-end attempt latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
