package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/weailabs/skillrun/pkg/domain"
)

// MemorySettlementStore is an in-memory implementation of SettlementStore.
type MemorySettlementStore struct {
	mu      sync.RWMutex
	results map[string]domain.SettlementResult

	// transientFailures makes the next N saves fail; used to exercise the
	// settler's retry path.
	transientFailures int
}

// NewMemorySettlementStore creates a new MemorySettlementStore.
func NewMemorySettlementStore() *MemorySettlementStore {
	return &MemorySettlementStore{results: make(map[string]domain.SettlementResult)}
}

func (s *MemorySettlementStore) key(orgID string, period domain.Period) string {
	return fmt.Sprintf("%s:%s", orgID, period)
}

// Get returns the committed result for an org and period, or ErrNotFound.
func (s *MemorySettlementStore) Get(_ context.Context, orgID string, period domain.Period) (*domain.SettlementResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result, ok := s.results[s.key(orgID, period)]
	if !ok {
		return nil, fmt.Errorf("settlement %s:%s: %w", orgID, period, ErrNotFound)
	}
	out := result
	return &out, nil
}

// Save commits a settlement result. A second save for the same org+period
// fails with ErrDuplicate.
func (s *MemorySettlementStore) Save(_ context.Context, result domain.SettlementResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.transientFailures > 0 {
		s.transientFailures--
		return fmt.Errorf("settlement store unavailable")
	}

	key := s.key(result.OrgID, result.Period)
	if _, ok := s.results[key]; ok {
		return fmt.Errorf("settlement %s: %w", key, ErrDuplicate)
	}
	s.results[key] = result
	return nil
}

// FailNextSaves makes the next n Save calls fail with a transient error.
func (s *MemorySettlementStore) FailNextSaves(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transientFailures = n
}

// Close is a no-op for the memory store.
func (s *MemorySettlementStore) Close() error {
	return nil
}
