package policy

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"sort"
	"strconv"
	"strings"
	"sync"

	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/ast"
	//nolint:staticcheck // OPA v1 migration pending
	"github.com/open-policy-agent/opa/rego"

	"github.com/weailabs/skillrun/pkg/domain"
)

// authzModule is the built-in Rego policy evaluating permission containment
// and jurisdiction compatibility. The quota predicate is stateful and runs in
// Go, after the module allows.
const authzModule = `package skillrun.authz

import rego.v1

missing_permissions contains perm if {
	some perm in input.skill.required_permissions
	not perm in input.actor.permissions
}

jurisdiction_ok if {
	count(input.skill.jurisdictions) == 0
}

jurisdiction_ok if {
	input.actor.jurisdiction in input.skill.jurisdictions
}

decision := {"allow": false, "predicate": "permission", "missing": missing_permissions} if {
	count(missing_permissions) > 0
} else := {"allow": false, "predicate": "jurisdiction", "missing": []} if {
	not jurisdiction_ok
} else := {"allow": true, "predicate": "", "missing": []}
`

const (
	defaultEntrypoint    = "skillrun/authz/decision"
	defaultCacheCapacity = 1024
)

// EngineOptions control OPA engine construction and runtime behaviour.
type EngineOptions struct {
	// Modules overrides the built-in authorization module. Keys are module
	// names, values are Rego source.
	Modules map[string]string
	// Entrypoint is the policy decision path. Defaults to skillrun/authz/decision.
	Entrypoint string
	// CacheMaxEntries bounds the decision cache size (LRU). Zero selects the
	// default size; negative disables caching entirely.
	CacheMaxEntries int
}

// Engine evaluates authorization decisions using an embedded OPA instance.
type Engine struct {
	entrypoint string
	prepared   rego.PreparedEvalQuery
	cache      *decisionCache
}

// NewEngine compiles the Rego modules and prepares the decision query,
// surfacing syntax errors at construction time.
func NewEngine(ctx context.Context, opts EngineOptions) (*Engine, error) {
	entry := strings.TrimSpace(opts.Entrypoint)
	if entry == "" {
		entry = defaultEntrypoint
	}

	modules := opts.Modules
	if len(modules) == 0 {
		modules = map[string]string{"skillrun_authz.rego": authzModule}
	}

	maxEntries := opts.CacheMaxEntries
	switch {
	case maxEntries == 0:
		maxEntries = defaultCacheCapacity
	case maxEntries < 0:
		maxEntries = 0
	}
	var cache *decisionCache
	if maxEntries > 0 {
		cache = newDecisionCache(maxEntries)
	}

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	sort.Strings(names)

	regoOpts := make([]func(*rego.Rego), 0, len(modules)+1)
	regoOpts = append(regoOpts, rego.Query("data."+strings.ReplaceAll(entry, "/", ".")))
	for _, name := range names {
		module, err := ast.ParseModuleWithOpts(name, modules[name], ast.ParserOptions{RegoVersion: ast.RegoV1})
		if err != nil {
			return nil, fmt.Errorf("parse rego module %q: %w", name, err)
		}
		regoOpts = append(regoOpts, rego.ParsedModule(module))
	}

	prepared, err := rego.New(regoOpts...).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile rego modules: %w", err)
	}

	return &Engine{entrypoint: entry, prepared: prepared, cache: cache}, nil
}

// Authorize evaluates the permission and jurisdiction predicates via OPA and
// the quota predicate via the supplied callback. Predicates are checked in
// permission → jurisdiction → quota order; the first failure determines the
// denial reason.
func (e *Engine) Authorize(ctx context.Context, execCtx domain.ExecutionContext, def *domain.SkillDefinition, quota QuotaPredicate) (Decision, error) {
	decision, err := e.evaluate(ctx, execCtx, def)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allow {
		return decision, nil
	}

	if quota != nil && !quota(ctx, execCtx, def) {
		return Decision{
			Allow:     false,
			Reason:    domain.CodeQuotaExceeded,
			Predicate: PredicateQuota,
		}, nil
	}

	return decision, nil
}

func (e *Engine) evaluate(ctx context.Context, execCtx domain.ExecutionContext, def *domain.SkillDefinition) (Decision, error) {
	key, cacheable := e.cacheKey(execCtx, def)
	if cacheable {
		if cached, ok := e.cache.Get(key); ok {
			return cached, nil
		}
	}

	payload := map[string]any{
		"actor": map[string]any{
			"kind":         string(execCtx.Actor),
			"org_id":       execCtx.OrgID,
			"permissions":  append([]string(nil), execCtx.Permissions...),
			"jurisdiction": execCtx.Jurisdiction,
		},
		"skill": map[string]any{
			"id":                   def.ID,
			"version":              def.Version,
			"required_permissions": append([]string(nil), def.RequiredPermissions...),
			"jurisdictions":        append([]string(nil), def.Jurisdictions...),
		},
	}

	results, err := e.prepared.Eval(ctx, rego.EvalInput(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("opa decision: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return Decision{}, fmt.Errorf("opa decision: empty result for entrypoint %s", e.entrypoint)
	}

	raw, ok := results[0].Expressions[0].Value.(map[string]any)
	if !ok {
		return Decision{}, fmt.Errorf("opa decision: unexpected result type %T", results[0].Expressions[0].Value)
	}

	decision := parseDecision(raw)
	if cacheable {
		e.cache.Add(key, decision)
	}
	return decision, nil
}

func parseDecision(raw map[string]any) Decision {
	allow, _ := raw["allow"].(bool)
	predicate, _ := raw["predicate"].(string)

	var missing []string
	if values, ok := raw["missing"].([]any); ok {
		for _, v := range values {
			if s, ok := v.(string); ok {
				missing = append(missing, s)
			}
		}
		sort.Strings(missing)
	}

	decision := Decision{Allow: allow, Predicate: predicate, Missing: missing}
	if !allow {
		// Permission and jurisdiction failures both surface PERMISSION_DENIED;
		// the predicate field records which check failed.
		decision.Reason = domain.CodePermissionDenied
	}
	return decision
}

// FlushCache clears all cached decisions. Safe to call concurrently.
func (e *Engine) FlushCache() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

// cacheKey generates a deterministic hash over every input the Rego module
// reads. Quota state is excluded because the quota predicate is never cached.
func (e *Engine) cacheKey(execCtx domain.ExecutionContext, def *domain.SkillDefinition) (string, bool) {
	if e.cache == nil {
		return "", false
	}

	h := sha256.New()
	writeCacheKeyField(h, string(execCtx.Actor))
	writeCacheKeyField(h, execCtx.OrgID)
	writeCacheKeyField(h, execCtx.Jurisdiction)
	writeCacheKeyField(h, strings.Join(normalizeStringSlice(execCtx.Permissions), ","))
	writeCacheKeyField(h, def.ID)
	writeCacheKeyField(h, strconv.Itoa(def.Version))
	writeCacheKeyField(h, strings.Join(normalizeStringSlice(def.RequiredPermissions), ","))
	writeCacheKeyField(h, strings.Join(normalizeStringSlice(def.Jurisdictions), ","))

	return hex.EncodeToString(h.Sum(nil)), true
}

// writeCacheKeyField writes a field to the hash followed by a null delimiter.
func writeCacheKeyField(h hash.Hash, value string) {
	h.Write([]byte(value))
	h.Write([]byte{0})
}

// normalizeStringSlice creates a sorted copy of the input for consistent hashing.
func normalizeStringSlice(input []string) []string {
	if len(input) == 0 {
		return nil
	}
	normalized := append([]string(nil), input...)
	sort.Strings(normalized)
	return normalized
}

type decisionCache struct {
	mu      sync.Mutex
	max     int
	order   *list.List
	entries map[string]*list.Element
}

type cacheItem struct {
	key   string
	value Decision
}

func newDecisionCache(capacity int) *decisionCache {
	return &decisionCache{
		max:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element, capacity),
	}
}

func (c *decisionCache) Get(key string) (Decision, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok {
		return Decision{}, false
	}
	c.order.MoveToFront(elem)
	return elem.Value.(cacheItem).value, true
}

func (c *decisionCache) Add(key string, value Decision) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		elem.Value = cacheItem{key: key, value: value}
		c.order.MoveToFront(elem)
		return
	}

	elem := c.order.PushFront(cacheItem{key: key, value: value})
	c.entries[key] = elem

	if c.order.Len() <= c.max {
		return
	}

	tail := c.order.Back()
	if tail != nil {
		c.order.Remove(tail)
		delete(c.entries, tail.Value.(cacheItem).key)
	}
}

func (c *decisionCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	c.entries = make(map[string]*list.Element, c.max)
}
