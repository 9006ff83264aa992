package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/weailabs/skillrun/pkg/domain"
)

// MemoryAuditLog is an in-memory implementation of AuditSink. Appends are
// atomic under the mutex; records are never mutated after being stored.
type MemoryAuditLog struct {
	mu     sync.RWMutex
	chains map[string][]domain.AuditRecord

	failAppends bool
}

// NewMemoryAuditLog creates a new MemoryAuditLog.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{chains: make(map[string][]domain.AuditRecord)}
}

// Append stores an audit record at the tail of its correlation chain.
func (s *MemoryAuditLog) Append(_ context.Context, record domain.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failAppends {
		return fmt.Errorf("audit sink unavailable")
	}
	s.chains[record.CorrelationID] = append(s.chains[record.CorrelationID], record)
	return nil
}

// Chain returns the records for a correlation id in append order.
func (s *MemoryAuditLog) Chain(_ context.Context, correlationID string) ([]domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[correlationID]
	out := make([]domain.AuditRecord, len(chain))
	copy(out, chain)
	return out, nil
}

// Last returns the most recent record for a correlation id, or nil.
func (s *MemoryAuditLog) Last(_ context.Context, correlationID string) (*domain.AuditRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chain := s.chains[correlationID]
	if len(chain) == 0 {
		return nil, nil
	}
	out := chain[len(chain)-1]
	return &out, nil
}

// FailAppends toggles forced append failures for rollback tests.
func (s *MemoryAuditLog) FailAppends(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAppends = fail
}

// Close is a no-op for the memory log.
func (s *MemoryAuditLog) Close() error {
	return nil
}
