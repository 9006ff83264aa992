package domain

import "errors"

// ErrorCode is the machine-readable error code surfaced to callers.
type ErrorCode string

// Caller-visible error codes with documented retry semantics.
const (
	CodeSkillNotFound    ErrorCode = "SKILL_NOT_FOUND"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeQuotaExceeded    ErrorCode = "QUOTA_EXCEEDED"
	CodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	CodeExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodeSettlementFailed ErrorCode = "SETTLEMENT_FAILED"
	CodeInternal         ErrorCode = "INTERNAL"
)

// Retryable reports whether a caller may retry a request that failed with the
// given code. QUOTA_EXCEEDED is retryable only after the quota resets;
// EXECUTION_FAILED retryability is adapter-dependent and defaults to false.
func (c ErrorCode) Retryable() bool {
	switch c {
	case CodeQuotaExceeded, CodeTimeout, CodeSettlementFailed, CodeInternal:
		return true
	default:
		return false
	}
}

// Common pipeline errors.
var (
	ErrSkillNotFound    = errors.New("skill not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrQuotaExceeded    = errors.New("quota exceeded")
	ErrValidationFailed = errors.New("validation failed")
	ErrExecutionFailed  = errors.New("execution failed")
	ErrTimeout          = errors.New("execution deadline exceeded")
	ErrSettlementFailed = errors.New("settlement failed")
	ErrAdapterNotBound  = errors.New("no adapter bound for skill")
	ErrReservationSpent = errors.New("reservation already resolved")
)

// DomainError wraps a pipeline error with its caller-visible code.
//
//nolint:revive // Name is intentionally verbose to distinguish domain-layer errors
type DomainError struct {
	Err     error
	Code    ErrorCode
	Message string
	Details map[string]any
}

func (e *DomainError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return e.Err.Error()
}

func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError builds a DomainError around a sentinel with a message.
func NewDomainError(err error, code ErrorCode, message string) *DomainError {
	return &DomainError{Err: err, Code: code, Message: message}
}

// CodeOf extracts the caller-visible code from an error chain, defaulting to
// INTERNAL for anything unclassified so internal faults are never attributed
// to the caller's input.
func CodeOf(err error) ErrorCode {
	if err == nil {
		return ""
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	switch {
	case errors.Is(err, ErrSkillNotFound):
		return CodeSkillNotFound
	case errors.Is(err, ErrPermissionDenied):
		return CodePermissionDenied
	case errors.Is(err, ErrQuotaExceeded):
		return CodeQuotaExceeded
	case errors.Is(err, ErrValidationFailed):
		return CodeValidationFailed
	case errors.Is(err, ErrExecutionFailed), errors.Is(err, ErrAdapterNotBound):
		return CodeExecutionFailed
	case errors.Is(err, ErrTimeout):
		return CodeTimeout
	case errors.Is(err, ErrSettlementFailed):
		return CodeSettlementFailed
	default:
		return CodeInternal
	}
}
