// Package registry resolves skill definitions from the external skill
// registry and validates them before use. Resolution results are cached with
// a bounded TTL; the orchestrator tolerates a stale-but-valid definition for
// at most one TTL window.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/weailabs/skillrun/pkg/domain"
)

// SkillRegistry is the external authority for which skills exist. Lookup
// returns every known version of a skill id, or an empty slice when the id
// is unknown.
type SkillRegistry interface {
	Lookup(ctx context.Context, skillID string) ([]domain.SkillDefinition, error)
}

// MemoryRegistry is an in-memory SkillRegistry, used as the default backing
// for a single-process deployment and for tests.
type MemoryRegistry struct {
	mu     sync.RWMutex
	skills map[string][]domain.SkillDefinition
}

// NewMemoryRegistry creates an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{skills: make(map[string][]domain.SkillDefinition)}
}

// Register adds a definition version. Registering the same id+version twice
// replaces the earlier entry.
func (r *MemoryRegistry) Register(def domain.SkillDefinition) error {
	if err := def.Validate(); err != nil {
		return fmt.Errorf("register skill: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.skills[def.ID]
	for i := range versions {
		if versions[i].Version == def.Version {
			versions[i] = def
			return nil
		}
	}
	r.skills[def.ID] = append(versions, def)
	return nil
}

// Lookup returns all registered versions of a skill id.
func (r *MemoryRegistry) Lookup(_ context.Context, skillID string) ([]domain.SkillDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.skills[skillID]
	out := make([]domain.SkillDefinition, len(versions))
	copy(out, versions)
	return out, nil
}
