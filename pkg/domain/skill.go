package domain

import (
	"fmt"
	"strings"
	"time"
)

// SchemaRef points at a schema owned by the platform-core authority.
// The orchestrator only performs generic conformance checks against the
// declared required fields; full schema semantics live with the owner.
type SchemaRef struct {
	URI      string   `json:"uri" yaml:"uri"`
	Required []string `json:"required,omitempty" yaml:"required,omitempty"`
}

// SkillDefinition describes a registered, versioned unit of agent-invokable
// capability. Definitions are owned by the registry and immutable once
// resolved for a given execution.
type SkillDefinition struct {
	ID                  string    `json:"id" yaml:"id"`
	Version             int       `json:"version" yaml:"version"`
	InputSchema         SchemaRef `json:"inputSchema" yaml:"inputSchema"`
	OutputSchema        SchemaRef `json:"outputSchema" yaml:"outputSchema"`
	RequiredPermissions []string  `json:"requiredPermissions,omitempty" yaml:"requiredPermissions,omitempty"`
	// Jurisdictions lists where the skill may run. Empty means unrestricted.
	Jurisdictions []string `json:"jurisdictions,omitempty" yaml:"jurisdictions,omitempty"`
}

// Validate performs the structural self-consistency check the resolver runs
// before a definition is used. It does not inspect any request payload.
func (d SkillDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("skill definition missing id")
	}
	if d.Version <= 0 {
		return fmt.Errorf("skill %s: version must be positive, got %d", d.ID, d.Version)
	}
	if strings.TrimSpace(d.InputSchema.URI) == "" {
		return fmt.Errorf("skill %s: input schema reference missing", d.ID)
	}
	if strings.TrimSpace(d.OutputSchema.URI) == "" {
		return fmt.Errorf("skill %s: output schema reference missing", d.ID)
	}
	for _, perm := range d.RequiredPermissions {
		if strings.TrimSpace(perm) == "" {
			return fmt.Errorf("skill %s: empty permission in required set", d.ID)
		}
	}
	return nil
}

// ActorKind identifies what kind of principal initiated an execution.
type ActorKind string

// Supported actor kinds.
const (
	ActorHuman   ActorKind = "HUMAN"
	ActorAIAgent ActorKind = "AI_AGENT"
	ActorSystem  ActorKind = "SYSTEM"
	ActorWebhook ActorKind = "WEBHOOK"
)

// Valid reports whether the actor kind is one of the supported values.
func (k ActorKind) Valid() bool {
	switch k {
	case ActorHuman, ActorAIAgent, ActorSystem, ActorWebhook:
		return true
	default:
		return false
	}
}

// ExecutionContext carries the immutable caller identity and scoping for one
// execution attempt. It is created by the caller and passed by value through
// the pipeline.
type ExecutionContext struct {
	Actor         ActorKind `json:"actor"`
	OrgID         string    `json:"orgId"`
	UserID        string    `json:"userId,omitempty"`
	Permissions   []string  `json:"permissions,omitempty"`
	Jurisdiction  string    `json:"jurisdiction,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	RequestedAt   time.Time `json:"requestedAt"`
}

// ExecutionOptions tune a single invocation attempt.
type ExecutionOptions struct {
	// DryRun exercises the full pipeline without side effects or balance changes.
	DryRun bool `json:"dryRun,omitempty"`
	// Deadline bounds the executor stage. Zero selects the configured default.
	Deadline time.Duration `json:"deadline,omitempty"`
}

// ExecutionRequest is the caller-facing request to run a skill. Created once
// per invocation attempt and never mutated.
type ExecutionRequest struct {
	SkillID string `json:"skillId"`
	// Version pins a specific definition version. Zero means latest.
	Version int              `json:"version,omitempty"`
	Input   map[string]any   `json:"input,omitempty"`
	Context ExecutionContext `json:"context"`
	Options ExecutionOptions `json:"options,omitempty"`
}
