package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// WebhookSkillID is the built-in outbound notification skill.
const WebhookSkillID = "notify.webhook"

// WebhookAdapter posts the input payload to a caller-supplied URL. It is
// side-effecting but simulable: dry-run validates the payload and reports
// the request that would have been sent without opening a connection.
type WebhookAdapter struct {
	client *http.Client
}

// NewWebhookAdapter creates the webhook adapter with a bounded client.
func NewWebhookAdapter(timeout time.Duration) *WebhookAdapter {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookAdapter{client: &http.Client{Timeout: timeout}}
}

// Manifest declares the adapter side-effecting.
func (a *WebhookAdapter) Manifest() Manifest {
	return Manifest{SkillID: WebhookSkillID, SideEffecting: true}
}

func (a *WebhookAdapter) payload(req InvokeRequest) (string, []byte, error) {
	url, ok := req.Input["url"].(string)
	if !ok || url == "" {
		return "", nil, DomainErrorf("notify.webhook: input field %q must be a non-empty string", "url")
	}

	body, err := json.Marshal(map[string]any{
		"payload":     req.Input["payload"],
		"executionId": req.ExecutionID,
		"orgId":       req.Context.OrgID,
	})
	if err != nil {
		return "", nil, DomainErrorf("notify.webhook: payload not serializable: %v", err)
	}
	return url, body, nil
}

// Invoke delivers the payload.
func (a *WebhookAdapter) Invoke(ctx context.Context, req InvokeRequest) (map[string]any, error) {
	url, body, err := a.payload(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, DomainErrorf("notify.webhook: invalid url %q: %v", url, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("webhook delivery: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 400 {
		return nil, DomainErrorf("notify.webhook: endpoint returned %d", resp.StatusCode)
	}

	return map[string]any{"delivered": true, "status": resp.StatusCode}, nil
}

// Simulate validates the payload without opening a connection.
func (a *WebhookAdapter) Simulate(_ context.Context, req InvokeRequest) (map[string]any, error) {
	url, body, err := a.payload(req)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"delivered": false,
		"wouldPost": url,
		"bodyBytes": len(body),
	}, nil
}
