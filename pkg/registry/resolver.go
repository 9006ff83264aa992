package registry

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/weailabs/skillrun/pkg/domain"
)

// DefaultCacheTTL bounds how long a resolved definition may be served without
// consulting the registry again.
const DefaultCacheTTL = 30 * time.Second

// Resolver looks up skill definitions, validates them, and caches resolution
// results for a bounded TTL.
type Resolver struct {
	registry SkillRegistry
	ttl      time.Duration
	logger   *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
	now   func() time.Time
}

type cacheEntry struct {
	versions  []domain.SkillDefinition
	expiresAt time.Time
}

// ResolverConfig holds dependencies for creating a Resolver.
type ResolverConfig struct {
	Registry SkillRegistry
	TTL      time.Duration
	Logger   *slog.Logger
}

// NewResolver creates a Resolver over the given registry.
func NewResolver(cfg ResolverConfig) *Resolver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}

	return &Resolver{
		registry: cfg.Registry,
		ttl:      ttl,
		logger:   logger,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

// Resolve returns the definition for a skill id, honoring an optional version
// pin (zero selects the newest version). Unknown ids and unsatisfiable pins
// fail with SKILL_NOT_FOUND.
func (r *Resolver) Resolve(ctx context.Context, skillID string, versionPin int) (*domain.SkillDefinition, error) {
	if strings.TrimSpace(skillID) == "" {
		return nil, domain.NewDomainError(domain.ErrSkillNotFound, domain.CodeSkillNotFound, "empty skill id")
	}

	versions, err := r.lookup(ctx, skillID)
	if err != nil {
		return nil, fmt.Errorf("registry lookup %s: %w", skillID, err)
	}
	if len(versions) == 0 {
		return nil, domain.NewDomainError(domain.ErrSkillNotFound, domain.CodeSkillNotFound,
			fmt.Sprintf("skill %s not registered", skillID))
	}

	var selected *domain.SkillDefinition
	for i := range versions {
		def := versions[i]
		if versionPin > 0 {
			if def.Version == versionPin {
				selected = &def
				break
			}
			continue
		}
		if selected == nil || def.Version > selected.Version {
			selected = &def
		}
	}
	if selected == nil {
		return nil, domain.NewDomainError(domain.ErrSkillNotFound, domain.CodeSkillNotFound,
			fmt.Sprintf("skill %s has no version %d", skillID, versionPin))
	}

	if err := selected.Validate(); err != nil {
		return nil, domain.NewDomainError(domain.ErrValidationFailed, domain.CodeValidationFailed,
			fmt.Sprintf("skill %s@%d definition invalid: %v", selected.ID, selected.Version, err))
	}

	return selected, nil
}

// lookup serves from the cache within the TTL window, hitting the registry
// otherwise. A registry miss is cached too so hot unknown ids do not hammer
// the registry.
func (r *Resolver) lookup(ctx context.Context, skillID string) ([]domain.SkillDefinition, error) {
	r.mu.RLock()
	entry, ok := r.cache[skillID]
	r.mu.RUnlock()

	if ok && r.now().Before(entry.expiresAt) {
		return entry.versions, nil
	}

	versions, err := r.registry.Lookup(ctx, skillID)
	if err != nil {
		// Serve the stale entry within one extra TTL rather than failing the
		// attempt on a transient registry fault.
		if ok && r.now().Before(entry.expiresAt.Add(r.ttl)) {
			r.logger.Warn("registry lookup failed; serving cached definitions",
				"skill_id", skillID, "error", err)
			return entry.versions, nil
		}
		return nil, err
	}

	r.mu.Lock()
	r.cache[skillID] = cacheEntry{versions: versions, expiresAt: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return versions, nil
}

// Invalidate drops the cached versions for a skill id.
func (r *Resolver) Invalidate(skillID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, skillID)
}

// ValidateInput checks the request payload against the definition's declared
// input schema reference. Only generic conformance is enforced here: required
// fields must be present and non-nil. Skill-specific validation belongs to
// the adapter.
func ValidateInput(def *domain.SkillDefinition, input map[string]any) error {
	for _, field := range def.InputSchema.Required {
		value, ok := input[field]
		if !ok || value == nil {
			return domain.NewDomainError(domain.ErrValidationFailed, domain.CodeValidationFailed,
				fmt.Sprintf("input missing required field %q", field))
		}
	}
	return nil
}
