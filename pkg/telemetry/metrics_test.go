package telemetry

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/weailabs/skillrun/pkg/domain"
)

func installManualReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() {
		otel.SetMeterProvider(prev)
	})

	ResetMetricsForTest()
	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect metrics: %v", err)
	}

	metrics := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			metrics[m.Name] = m
		}
	}
	return metrics
}

func TestRecordAttemptMetrics(t *testing.T) {
	reader := installManualReader(t)

	RecordAttemptMetrics(context.Background(), AttemptMetrics{
		SkillID:      "test.echo",
		SkillVersion: "v1",
		OrgID:        "acme",
		ActorKind:    string(domain.ActorAIAgent),
		State:        domain.StateTimeout,
		Code:         domain.CodeTimeout,
		Duration:     150 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	exec, ok := metrics["skillrun.attempt.executions_total"]
	if !ok {
		t.Fatalf("missing executions metric")
	}
	execData, ok := exec.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type for executions metric")
	}
	if len(execData.DataPoints) != 1 {
		t.Fatalf("expected 1 datapoint, got %d", len(execData.DataPoints))
	}
	if execData.DataPoints[0].Value != 1 {
		t.Fatalf("expected executions count 1, got %d", execData.DataPoints[0].Value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("skill.id")); !ok || value.AsString() != "test.echo" {
		t.Fatalf("expected skill.id attribute to be test.echo, got %v", value)
	}
	if value, ok := execData.DataPoints[0].Attributes.Value(attribute.Key("attempt.code")); !ok || value.AsString() != "TIMEOUT" {
		t.Fatalf("expected attempt.code attribute to be TIMEOUT, got %v", value)
	}

	timeouts, ok := metrics["skillrun.attempt.timeouts_total"]
	if !ok {
		t.Fatalf("missing timeouts metric")
	}
	timeoutData := timeouts.Data.(metricdata.Sum[int64])
	if timeoutData.DataPoints[0].Value != 1 {
		t.Fatalf("expected timeout count 1, got %d", timeoutData.DataPoints[0].Value)
	}

	hist, ok := metrics["skillrun.attempt.duration_ms"]
	if !ok {
		t.Fatalf("missing duration metric")
	}
	histData := hist.Data.(metricdata.Histogram[float64])
	if histData.DataPoints[0].Count != 1 {
		t.Fatalf("expected histogram count 1, got %d", histData.DataPoints[0].Count)
	}
	if histData.DataPoints[0].Sum != 150 {
		t.Fatalf("expected histogram sum 150, got %v", histData.DataPoints[0].Sum)
	}
}

func TestRecordAttemptMetricsSettledSkipsFailureCounters(t *testing.T) {
	reader := installManualReader(t)

	RecordAttemptMetrics(context.Background(), AttemptMetrics{
		SkillID:   "test.echo",
		OrgID:     "acme",
		ActorKind: string(domain.ActorAIAgent),
		State:     domain.StateSettled,
		Duration:  10 * time.Millisecond,
	})

	metrics := collectMetrics(t, reader)

	if _, ok := metrics["skillrun.attempt.rejections_total"]; ok {
		t.Fatalf("settled attempt must not count as a rejection")
	}
	if _, ok := metrics["skillrun.attempt.timeouts_total"]; ok {
		t.Fatalf("settled attempt must not count as a timeout")
	}
	if _, ok := metrics["skillrun.attempt.rollbacks_total"]; ok {
		t.Fatalf("settled attempt must not count as a rollback")
	}
}

func TestRecordReservation(t *testing.T) {
	reader := installManualReader(t)

	RecordReservation(context.Background(), "acme", "reserved")
	RecordReservation(context.Background(), "acme", "redeemed")

	metrics := collectMetrics(t, reader)

	res, ok := metrics["skillrun.billing.reservations_total"]
	if !ok {
		t.Fatalf("missing reservations metric")
	}
	resData := res.Data.(metricdata.Sum[int64])
	if len(resData.DataPoints) != 2 {
		t.Fatalf("expected 2 datapoints, got %d", len(resData.DataPoints))
	}
	var total int64
	for _, dp := range resData.DataPoints {
		total += dp.Value
		if value, ok := dp.Attributes.Value(attribute.Key("org.id")); !ok || value.AsString() != "acme" {
			t.Fatalf("expected org.id attribute to be acme, got %v", value)
		}
	}
	if total != 2 {
		t.Fatalf("expected reservation events total 2, got %d", total)
	}
}
