package domain

import "time"

// AuditRecord is one immutable entry of an attempt's audit chain. Records for
// the same correlation id are hash-linked through PrevHash so an external
// verifier can detect gaps, reordering, or tampering offline.
type AuditRecord struct {
	ID            string       `json:"id"`
	Timestamp     time.Time    `json:"timestamp"`
	CorrelationID string       `json:"correlationId"`
	Actor         ActorKind    `json:"actor"`
	Action        string       `json:"action"`
	SkillID       string       `json:"skillId,omitempty"`
	FromState     AttemptState `json:"fromState"`
	ToState       AttemptState `json:"toState"`
	Reason        string       `json:"reason,omitempty"`
	PrevHash      string       `json:"prevHash,omitempty"`
	Hash          string       `json:"hash"`
}
