// Package policy authorizes resolved skill invocations. Permission-set
// containment and jurisdiction compatibility are evaluated by an embedded
// OPA engine; the quota predicate is supplied by the billing gate. Denials
// are deterministic: the first failing predicate in permission →
// jurisdiction → quota order wins.
package policy

import (
	"context"

	"github.com/weailabs/skillrun/pkg/domain"
)

// Predicate names reported on denial, in evaluation order.
const (
	PredicatePermission   = "permission"
	PredicateJurisdiction = "jurisdiction"
	PredicateQuota        = "quota"
)

// Decision is the outcome of an authorization check.
type Decision struct {
	Allow bool
	// Reason is the caller-visible code on denial: PERMISSION_DENIED for the
	// permission and jurisdiction predicates, QUOTA_EXCEEDED for quota.
	Reason domain.ErrorCode
	// Predicate names which check failed.
	Predicate string
	// Missing lists the permissions absent from the actor's grants.
	Missing []string
}

// QuotaPredicate reports whether the organization has quota headroom for the
// invocation. It must be a pure read of current quota state.
type QuotaPredicate func(ctx context.Context, execCtx domain.ExecutionContext, def *domain.SkillDefinition) bool

// Authorizer evaluates whether an actor may invoke a resolved skill.
type Authorizer interface {
	Authorize(ctx context.Context, execCtx domain.ExecutionContext, def *domain.SkillDefinition, quota QuotaPredicate) (Decision, error)
}
