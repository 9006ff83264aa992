package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/weailabs/skillrun/pkg/domain"
)

// MemoryUsageStore is an in-memory implementation of UsageStore.
type MemoryUsageStore struct {
	mu      sync.RWMutex
	records map[string][]domain.UsageRecord // org:period → records
	seen    map[string]struct{}             // execution ids already recorded

	// failAppends forces Append to fail; used to exercise rollback paths.
	failAppends bool
}

// NewMemoryUsageStore creates a new MemoryUsageStore.
func NewMemoryUsageStore() *MemoryUsageStore {
	return &MemoryUsageStore{
		records: make(map[string][]domain.UsageRecord),
		seen:    make(map[string]struct{}),
	}
}

func (s *MemoryUsageStore) key(orgID string, period domain.Period) string {
	return fmt.Sprintf("%s:%s", orgID, period)
}

// Append stores a usage record, rejecting duplicate execution ids.
func (s *MemoryUsageStore) Append(_ context.Context, record domain.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends {
		return fmt.Errorf("usage store unavailable")
	}
	if _, ok := s.seen[record.ExecutionID]; ok {
		return fmt.Errorf("usage record for execution %s: %w", record.ExecutionID, ErrDuplicate)
	}
	key := s.key(record.OrgID, record.Period)
	s.records[key] = append(s.records[key], record)
	s.seen[record.ExecutionID] = struct{}{}
	return nil
}

// List returns the records for an org and period in append order.
func (s *MemoryUsageStore) List(_ context.Context, orgID string, period domain.Period) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records := s.records[s.key(orgID, period)]
	out := make([]domain.UsageRecord, len(records))
	copy(out, records)
	return out, nil
}

// FailAppends toggles forced append failures for rollback tests.
func (s *MemoryUsageStore) FailAppends(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = fail
}

// Close is a no-op for the memory store.
func (s *MemoryUsageStore) Close() error {
	return nil
}
