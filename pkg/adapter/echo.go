package adapter

import (
	"context"
	"time"
)

// EchoSkillID is the built-in diagnostic skill every deployment carries.
const EchoSkillID = "test.echo"

// EchoAdapter is the pure built-in adapter behind test.echo. It echoes the
// message field back with an ISO-8601 timestamp.
type EchoAdapter struct {
	// Now is overridable for deterministic tests.
	Now func() time.Time
}

// NewEchoAdapter creates the built-in echo adapter.
func NewEchoAdapter() *EchoAdapter {
	return &EchoAdapter{Now: time.Now}
}

// Manifest declares the adapter pure, so dry-run may invoke it directly.
func (a *EchoAdapter) Manifest() Manifest {
	return Manifest{SkillID: EchoSkillID, SideEffecting: false}
}

// Invoke echoes the input message.
func (a *EchoAdapter) Invoke(ctx context.Context, req InvokeRequest) (map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	message, ok := req.Input["message"].(string)
	if !ok {
		return nil, DomainErrorf("test.echo: input field %q must be a string", "message")
	}

	return map[string]any{
		"echo":      message,
		"timestamp": a.Now().UTC().Format(time.RFC3339),
	}, nil
}
