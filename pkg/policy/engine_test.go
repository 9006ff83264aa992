package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weailabs/skillrun/pkg/domain"
)

func testDefinition() *domain.SkillDefinition {
	return &domain.SkillDefinition{
		ID:                  "test.echo",
		Version:             1,
		InputSchema:         domain.SchemaRef{URI: "schema://test.echo/input/v1"},
		OutputSchema:        domain.SchemaRef{URI: "schema://test.echo/output/v1"},
		RequiredPermissions: []string{"skill.echo.invoke"},
	}
}

func testContext(permissions ...string) domain.ExecutionContext {
	return domain.ExecutionContext{
		Actor:       domain.ActorAIAgent,
		OrgID:       "org-1",
		Permissions: permissions,
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	engine, err := NewEngine(context.Background(), EngineOptions{})
	require.NoError(t, err)
	return engine
}

func TestAuthorizeAllows(t *testing.T) {
	engine := newTestEngine(t)

	decision, err := engine.Authorize(context.Background(), testContext("skill.echo.invoke"), testDefinition(), nil)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Empty(t, decision.Missing)
}

func TestAuthorizeMissingPermission(t *testing.T) {
	engine := newTestEngine(t)

	decision, err := engine.Authorize(context.Background(), testContext("skill.other.invoke"), testDefinition(), nil)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, domain.CodePermissionDenied, decision.Reason)
	assert.Equal(t, PredicatePermission, decision.Predicate)
	assert.Equal(t, []string{"skill.echo.invoke"}, decision.Missing)
}

func TestAuthorizePermissionSupersets(t *testing.T) {
	engine := newTestEngine(t)

	def := testDefinition()
	def.RequiredPermissions = []string{"skill.echo.invoke", "data.read"}

	// Supersets of the required permissions are fine.
	decision, err := engine.Authorize(context.Background(),
		testContext("data.read", "skill.echo.invoke", "unrelated.grant"), def, nil)
	require.NoError(t, err)
	assert.True(t, decision.Allow)

	// A partial overlap reports exactly the absent permissions.
	decision, err = engine.Authorize(context.Background(), testContext("data.read"), def, nil)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, []string{"skill.echo.invoke"}, decision.Missing)
}

func TestAuthorizeJurisdiction(t *testing.T) {
	engine := newTestEngine(t)

	def := testDefinition()
	def.Jurisdictions = []string{"EU", "UK"}

	execCtx := testContext("skill.echo.invoke")
	execCtx.Jurisdiction = "US"

	decision, err := engine.Authorize(context.Background(), execCtx, def, nil)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	// Jurisdiction mismatches surface as PERMISSION_DENIED with the failing
	// predicate recorded.
	assert.Equal(t, domain.CodePermissionDenied, decision.Reason)
	assert.Equal(t, PredicateJurisdiction, decision.Predicate)

	execCtx.Jurisdiction = "EU"
	decision, err = engine.Authorize(context.Background(), execCtx, def, nil)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestAuthorizeUnrestrictedJurisdiction(t *testing.T) {
	engine := newTestEngine(t)

	execCtx := testContext("skill.echo.invoke")
	execCtx.Jurisdiction = "APAC"

	decision, err := engine.Authorize(context.Background(), execCtx, testDefinition(), nil)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestAuthorizeQuotaPredicate(t *testing.T) {
	engine := newTestEngine(t)

	calls := 0
	deny := func(context.Context, domain.ExecutionContext, *domain.SkillDefinition) bool {
		calls++
		return false
	}

	decision, err := engine.Authorize(context.Background(), testContext("skill.echo.invoke"), testDefinition(), deny)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, domain.CodeQuotaExceeded, decision.Reason)
	assert.Equal(t, PredicateQuota, decision.Predicate)
	assert.Equal(t, 1, calls)
}

func TestAuthorizePredicateOrder(t *testing.T) {
	engine := newTestEngine(t)

	// Permission failure wins even when quota would also deny: the quota
	// predicate must not run at all.
	quotaRan := false
	deny := func(context.Context, domain.ExecutionContext, *domain.SkillDefinition) bool {
		quotaRan = true
		return false
	}

	decision, err := engine.Authorize(context.Background(), testContext(), testDefinition(), deny)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.Equal(t, PredicatePermission, decision.Predicate)
	assert.False(t, quotaRan)
}

func TestAuthorizeQuotaNeverCached(t *testing.T) {
	engine := newTestEngine(t)
	execCtx := testContext("skill.echo.invoke")
	def := testDefinition()

	calls := 0
	flaky := func(context.Context, domain.ExecutionContext, *domain.SkillDefinition) bool {
		calls++
		return calls > 1
	}

	decision, err := engine.Authorize(context.Background(), execCtx, def, flaky)
	require.NoError(t, err)
	assert.False(t, decision.Allow)

	// The identical request consults the quota predicate again even though
	// the OPA verdict is served from cache.
	decision, err = engine.Authorize(context.Background(), execCtx, def, flaky)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, 2, calls)
}

func TestAuthorizeCacheDistinguishesPermissions(t *testing.T) {
	engine := newTestEngine(t)
	def := testDefinition()

	decision, err := engine.Authorize(context.Background(), testContext("skill.echo.invoke"), def, nil)
	require.NoError(t, err)
	require.True(t, decision.Allow)

	// A different permission set must not hit the cached allow.
	decision, err = engine.Authorize(context.Background(), testContext(), def, nil)
	require.NoError(t, err)
	assert.False(t, decision.Allow)
}

func TestNewEngineRejectsBadModule(t *testing.T) {
	_, err := NewEngine(context.Background(), EngineOptions{
		Modules: map[string]string{"broken.rego": "package broken\n\ndecision :="},
	})
	require.Error(t, err)
}

func TestDecisionCacheEviction(t *testing.T) {
	cache := newDecisionCache(2)

	cache.Add("a", Decision{Allow: true})
	cache.Add("b", Decision{Allow: true})
	cache.Add("c", Decision{Allow: true})

	_, ok := cache.Get("a")
	assert.False(t, ok, "oldest entry should be evicted")
	_, ok = cache.Get("c")
	assert.True(t, ok)
}
