package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/weailabs/skillrun/pkg/adapter"
	"github.com/weailabs/skillrun/pkg/audit"
	"github.com/weailabs/skillrun/pkg/billing"
	"github.com/weailabs/skillrun/pkg/domain"
	"github.com/weailabs/skillrun/pkg/engine"
	"github.com/weailabs/skillrun/pkg/executor"
	"github.com/weailabs/skillrun/pkg/meter"
	"github.com/weailabs/skillrun/pkg/policy"
	"github.com/weailabs/skillrun/pkg/registry"
	"github.com/weailabs/skillrun/pkg/settle"
	"github.com/weailabs/skillrun/pkg/storage"
	"github.com/weailabs/skillrun/pkg/telemetry"
)

func newTestHandler(t *testing.T, quotas map[string]int64) (*Handler, *billing.QuotaLedger) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	skills := registry.NewMemoryRegistry()
	require.NoError(t, skills.Register(domain.SkillDefinition{
		ID:                  adapter.EchoSkillID,
		Version:             1,
		InputSchema:         domain.SchemaRef{URI: "schema://test.echo/input/v1", Required: []string{"message"}},
		OutputSchema:        domain.SchemaRef{URI: "schema://test.echo/output/v1"},
		RequiredPermissions: []string{"skill.echo.invoke"},
	}))

	authz, err := policy.NewEngine(context.Background(), policy.EngineOptions{})
	require.NoError(t, err)

	ledger := billing.NewQuotaLedger(quotas, 100)
	gate := billing.NewGate(billing.GateConfig{Ledger: ledger, Logger: logger})

	adapters := adapter.NewRegistry()
	adapters.Bind(adapter.EchoSkillID, adapter.NewEchoAdapter())

	usageMeter := meter.New(meter.Config{Store: storage.NewMemoryUsageStore(), Logger: logger})
	auditor := audit.New(audit.Config{Sink: storage.NewMemoryAuditLog(), Logger: logger})

	orchestrator := engine.New(engine.Config{
		Resolver: registry.NewResolver(registry.ResolverConfig{Registry: skills, Logger: logger}),
		Policy:   authz,
		Gate:     gate,
		Executor: executor.New(executor.Config{Adapters: adapters, Logger: logger}),
		Meter:    usageMeter,
		Auditor:  auditor,
		Logger:   logger,
	})

	settler := settle.New(settle.Config{
		Pricing:   settle.NewStaticPricing(nil, 1000),
		Store:     storage.NewMemorySettlementStore(),
		Committer: gate,
	})

	handler := NewHandler(Config{
		Orchestrator: orchestrator,
		Meter:        usageMeter,
		Auditor:      auditor,
		Settler:      settler,
		Metrics:      telemetry.NewServiceMetrics(),
		Logger:       logger,
	})
	return handler, ledger
}

func executeBody(orgID, correlationID string, permissions []string) []byte {
	body, _ := json.Marshal(domain.ExecutionRequest{
		SkillID: adapter.EchoSkillID,
		Input:   map[string]any{"message": "hi"},
		Context: domain.ExecutionContext{
			Actor:         domain.ActorAIAgent,
			OrgID:         orgID,
			Permissions:   permissions,
			CorrelationID: correlationID,
		},
	})
	return body
}

func doPost(t *testing.T, h http.Handler, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func doGet(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestExecuteSettles(t *testing.T) {
	handler, ledger := newTestHandler(t, nil)

	rec := doPost(t, handler, "/v1/execute", executeBody("acme", "corr-1", []string{"skill.echo.invoke"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var result domain.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Success)
	assert.Equal(t, domain.StateSettled, result.State)
	assert.Equal(t, "hi", result.Output["echo"])
	assert.Equal(t, int64(1), ledger.Used("acme"))
}

func TestExecuteMalformedBody(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := doPost(t, handler, "/v1/execute", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExecuteUnknownSkillMapsTo404(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	body, _ := json.Marshal(domain.ExecutionRequest{
		SkillID: "no.such.skill",
		Context: domain.ExecutionContext{Actor: domain.ActorAIAgent, OrgID: "acme"},
	})
	rec := doPost(t, handler, "/v1/execute", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestExecuteMissingPermissionMapsTo403(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := doPost(t, handler, "/v1/execute", executeBody("acme", "", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestExecuteExhaustedQuotaMapsTo429(t *testing.T) {
	handler, _ := newTestHandler(t, map[string]int64{"acme": 1})

	first := doPost(t, handler, "/v1/execute", executeBody("acme", "", []string{"skill.echo.invoke"}))
	require.Equal(t, http.StatusOK, first.Code)

	second := doPost(t, handler, "/v1/execute", executeBody("acme", "", []string{"skill.echo.invoke"}))
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestSimulateForcesDryRun(t *testing.T) {
	handler, ledger := newTestHandler(t, nil)

	// The body does not ask for a dry run; the endpoint must force it.
	rec := doPost(t, handler, "/v1/simulate", executeBody("acme", "", []string{"skill.echo.invoke"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var result domain.ExecutionResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.True(t, result.Simulated)
	assert.Zero(t, ledger.Used("acme"))
	assert.Zero(t, ledger.Held("acme"))
}

func TestUsageRequiresOrg(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := doGet(t, handler, "/v1/usage")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUsageReportsBillableUnits(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	rec := doPost(t, handler, "/v1/execute", executeBody("acme", "", []string{"skill.echo.invoke"}))
	require.Equal(t, http.StatusOK, rec.Code)

	usage := doGet(t, handler, "/v1/usage?org=acme")
	require.Equal(t, http.StatusOK, usage.Code)
	var report domain.UsageReport
	require.NoError(t, json.Unmarshal(usage.Body.Bytes(), &report))
	assert.Equal(t, "acme", report.OrgID)
	assert.Equal(t, int64(1), report.BillableUnits)
}

func TestAuditChainEndpoint(t *testing.T) {
	handler, _ := newTestHandler(t, nil)

	rec := doPost(t, handler, "/v1/execute", executeBody("acme", "corr-7", []string{"skill.echo.invoke"}))
	require.Equal(t, http.StatusOK, rec.Code)

	auditRec := doGet(t, handler, "/v1/audit?correlation_id=corr-7")
	require.Equal(t, http.StatusOK, auditRec.Code)

	var body struct {
		CorrelationID string               `json:"correlationId"`
		Verified      bool                 `json:"verified"`
		Records       []domain.AuditRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(auditRec.Body.Bytes(), &body))
	assert.Equal(t, "corr-7", body.CorrelationID)
	assert.True(t, body.Verified)
	assert.Len(t, body.Records, 4)
}

func TestAuditUnknownCorrelationIs404(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := doGet(t, handler, "/v1/audit?correlation_id=never-seen")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	missing := doGet(t, handler, "/v1/audit")
	assert.Equal(t, http.StatusBadRequest, missing.Code)
}

func TestSettleEndpoint(t *testing.T) {
	handler, ledger := newTestHandler(t, nil)

	rec := doPost(t, handler, "/v1/execute", executeBody("acme", "", []string{"skill.echo.invoke"}))
	require.Equal(t, http.StatusOK, rec.Code)

	period := domain.PeriodOf(time.Now().UTC())
	body, _ := json.Marshal(map[string]any{"orgId": "acme", "period": string(period)})
	settleRec := doPost(t, handler, "/v1/settle", body)

	require.Equal(t, http.StatusOK, settleRec.Code)
	var result domain.SettlementResult
	require.NoError(t, json.Unmarshal(settleRec.Body.Bytes(), &result))
	assert.Equal(t, "acme", result.OrgID)
	assert.Equal(t, int64(1000), result.AmountMicros)
	assert.Equal(t, int64(1000), ledger.Balance("acme"))
}

func TestSettleRequiresOrgAndPeriod(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	body, _ := json.Marshal(map[string]any{"orgId": "acme"})
	rec := doPost(t, handler, "/v1/settle", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealthz(t *testing.T) {
	handler, _ := newTestHandler(t, nil)
	rec := doGet(t, handler, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
