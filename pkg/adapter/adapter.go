// Package adapter defines the contract between the executor and the concrete
// skill implementations it dispatches to. Adapters are external and
// pluggable; the executor only relies on the manifest each adapter declares,
// in particular whether its work is side-effecting. Binding happens once at
// registration time against a closed registry, never via runtime reflection.
package adapter

import (
	"context"
	"fmt"
	"sync"

	"github.com/weailabs/skillrun/pkg/domain"
)

// Manifest declares an adapter's capabilities. SideEffecting adapters are
// never invoked in dry-run mode; if they also implement Simulator the
// executor uses that path instead.
type Manifest struct {
	SkillID       string
	SideEffecting bool
}

// InvokeRequest carries the validated input and caller context into an
// adapter invocation.
type InvokeRequest struct {
	ExecutionID string
	Input       map[string]any
	Context     domain.ExecutionContext
}

// Adapter performs the actual work bound to a skill definition.
// Implementations must respect context cancellation as a best-effort
// cooperative stop signal.
type Adapter interface {
	Manifest() Manifest
	Invoke(ctx context.Context, req InvokeRequest) (map[string]any, error)
}

// Simulator is implemented by side-effecting adapters whose operations are
// simulable. Simulate must not reach any external system.
type Simulator interface {
	Simulate(ctx context.Context, req InvokeRequest) (map[string]any, error)
}

// DomainErrorf builds the adapter-attributable failure an adapter returns
// for domain errors, keeping the EXECUTION_FAILED classification distinct
// from infrastructure faults.
func DomainErrorf(format string, args ...any) error {
	return domain.NewDomainError(domain.ErrExecutionFailed, domain.CodeExecutionFailed,
		fmt.Sprintf(format, args...))
}

// Registry is the closed set of adapter bindings, resolved at skill
// registration time.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry creates an empty adapter registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Bind associates an adapter with a skill id. Rebinding replaces the earlier
// adapter.
func (r *Registry) Bind(skillID string, a Adapter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[skillID] = a
}

// Resolve returns the adapter bound to a skill id.
func (r *Registry) Resolve(skillID string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[skillID]
	return a, ok
}
