package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weailabs/skillrun/pkg/domain"
)

func TestMemoryUsageStoreAppendAndList(t *testing.T) {
	store := NewMemoryUsageStore()
	ctx := context.Background()

	record := domain.UsageRecord{
		ExecutionID: "exec-1",
		OrgID:       "org-1",
		SkillID:     "test.echo",
		Period:      "2026-03",
		Outcome:     domain.StateSettled,
		Units:       1,
		RecordedAt:  time.Now().UTC(),
	}
	require.NoError(t, store.Append(ctx, record))

	records, err := store.List(ctx, "org-1", "2026-03")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "exec-1", records[0].ExecutionID)

	// Other periods stay empty.
	records, err = store.List(ctx, "org-1", "2026-04")
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestMemoryUsageStoreRejectsDuplicateExecution(t *testing.T) {
	store := NewMemoryUsageStore()
	ctx := context.Background()

	record := domain.UsageRecord{ExecutionID: "exec-1", OrgID: "org-1", Period: "2026-03"}
	require.NoError(t, store.Append(ctx, record))

	err := store.Append(ctx, record)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)

	records, err := store.List(ctx, "org-1", "2026-03")
	require.NoError(t, err)
	assert.Len(t, records, 1)
}

func TestMemoryUsageStoreFailAppends(t *testing.T) {
	store := NewMemoryUsageStore()
	ctx := context.Background()

	store.FailAppends(true)
	err := store.Append(ctx, domain.UsageRecord{ExecutionID: "exec-1", OrgID: "org-1", Period: "2026-03"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrDuplicate)

	store.FailAppends(false)
	require.NoError(t, store.Append(ctx, domain.UsageRecord{ExecutionID: "exec-1", OrgID: "org-1", Period: "2026-03"}))
}

func TestMemorySettlementStoreSaveOnce(t *testing.T) {
	store := NewMemorySettlementStore()
	ctx := context.Background()

	result := domain.SettlementResult{ID: "settle-1", OrgID: "org-1", Period: "2026-03", AmountMicros: 500}
	require.NoError(t, store.Save(ctx, result))

	// The winner's result is what readers observe afterwards.
	second := result
	second.ID = "settle-2"
	err := store.Save(ctx, second)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDuplicate)

	got, err := store.Get(ctx, "org-1", "2026-03")
	require.NoError(t, err)
	assert.Equal(t, "settle-1", got.ID)
}

func TestMemorySettlementStoreGetMissing(t *testing.T) {
	store := NewMemorySettlementStore()

	_, err := store.Get(context.Background(), "org-1", "2026-03")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemorySettlementStoreTransientFailures(t *testing.T) {
	store := NewMemorySettlementStore()
	ctx := context.Background()

	store.FailNextSaves(2)
	result := domain.SettlementResult{ID: "settle-1", OrgID: "org-1", Period: "2026-03"}

	require.Error(t, store.Save(ctx, result))
	require.Error(t, store.Save(ctx, result))
	require.NoError(t, store.Save(ctx, result))
}

func TestMemoryAuditLogChainOrder(t *testing.T) {
	log := NewMemoryAuditLog()
	ctx := context.Background()

	for i, action := range []string{"received", "validated", "executed"} {
		require.NoError(t, log.Append(ctx, domain.AuditRecord{
			ID:            string(rune('a' + i)),
			CorrelationID: "corr-1",
			Action:        action,
		}))
	}

	records, err := log.Chain(ctx, "corr-1")
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "received", records[0].Action)
	assert.Equal(t, "executed", records[2].Action)

	last, err := log.Last(ctx, "corr-1")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "executed", last.Action)

	// Unknown correlation ids have no chain and no last record.
	records, err = log.Chain(ctx, "corr-2")
	require.NoError(t, err)
	assert.Empty(t, records)

	last, err = log.Last(ctx, "corr-2")
	require.NoError(t, err)
	assert.Nil(t, last)
}

func TestMemoryAuditLogFailAppends(t *testing.T) {
	log := NewMemoryAuditLog()
	ctx := context.Background()

	log.FailAppends(true)
	require.Error(t, log.Append(ctx, domain.AuditRecord{ID: "a", CorrelationID: "corr-1"}))

	records, err := log.Chain(ctx, "corr-1")
	require.NoError(t, err)
	assert.Empty(t, records)
}
