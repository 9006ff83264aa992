// Package server exposes the execution pipeline over HTTP.
package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/weailabs/skillrun/pkg/audit"
	"github.com/weailabs/skillrun/pkg/domain"
	"github.com/weailabs/skillrun/pkg/engine"
	"github.com/weailabs/skillrun/pkg/meter"
	"github.com/weailabs/skillrun/pkg/settle"
	"github.com/weailabs/skillrun/pkg/telemetry"
)

// Config wires the handler to the pipeline components it fronts.
type Config struct {
	Orchestrator *engine.Orchestrator
	Meter        *meter.Meter
	Auditor      *audit.Auditor
	Settler      *settle.Settler
	Metrics      *telemetry.ServiceMetrics
	Logger       *slog.Logger
}

// Handler serves the v1 execution API.
type Handler struct {
	orchestrator *engine.Orchestrator
	meter        *meter.Meter
	auditor      *audit.Auditor
	settler      *settle.Settler
	metrics      *telemetry.ServiceMetrics
	logger       *slog.Logger
	mux          *http.ServeMux
}

// NewHandler builds the API handler and registers its routes.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		orchestrator: cfg.Orchestrator,
		meter:        cfg.Meter,
		auditor:      cfg.Auditor,
		settler:      cfg.Settler,
		metrics:      cfg.Metrics,
		logger:       logger,
		mux:          http.NewServeMux(),
	}

	h.mux.HandleFunc("POST /v1/execute", h.handleExecute)
	h.mux.HandleFunc("POST /v1/simulate", h.handleSimulate)
	h.mux.HandleFunc("GET /v1/usage", h.handleUsage)
	h.mux.HandleFunc("GET /v1/audit", h.handleAudit)
	h.mux.HandleFunc("POST /v1/settle", h.handleSettle)
	h.mux.HandleFunc("GET /healthz", h.handleHealthz)

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	h.mux.ServeHTTP(rec, r)
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
	}
}

func (h *Handler) handleExecute(w http.ResponseWriter, r *http.Request) {
	h.runRequest(w, r, false)
}

// handleSimulate forces dry-run regardless of the request body, so callers
// cannot accidentally trigger side effects through the simulation endpoint.
func (h *Handler) handleSimulate(w http.ResponseWriter, r *http.Request) {
	h.runRequest(w, r, true)
}

func (h *Handler) runRequest(w http.ResponseWriter, r *http.Request, forceDryRun bool) {
	var req domain.ExecutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if forceDryRun {
		req.Options.DryRun = true
	}

	result := h.orchestrator.Run(r.Context(), req)
	if h.metrics != nil {
		h.metrics.RecordExecution(result.SkillID, string(result.State))
	}

	writeJSON(w, statusForResult(result), result)
}

func (h *Handler) handleUsage(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org")
	if orgID == "" {
		writeError(w, http.StatusBadRequest, "query parameter org is required")
		return
	}
	period := domain.Period(r.URL.Query().Get("period"))
	if period == "" {
		period = domain.PeriodOf(time.Now().UTC())
	}

	report, err := h.meter.GetUsage(r.Context(), orgID, period)
	if err != nil {
		h.logger.Error("usage lookup failed", "org_id", orgID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleAudit returns the hash chain for a correlation id together with the
// offline verification verdict.
func (h *Handler) handleAudit(w http.ResponseWriter, r *http.Request) {
	correlationID := r.URL.Query().Get("correlation_id")
	if correlationID == "" {
		writeError(w, http.StatusBadRequest, "query parameter correlation_id is required")
		return
	}

	records, err := h.auditor.Chain(r.Context(), correlationID)
	if err != nil {
		h.logger.Error("audit chain lookup failed", "correlation_id", correlationID, "error", err)
		writeError(w, http.StatusInternalServerError, "audit chain lookup failed")
		return
	}
	if len(records) == 0 {
		writeError(w, http.StatusNotFound, "no audit records for correlation id")
		return
	}

	verified := audit.VerifyChain(records) == nil
	writeJSON(w, http.StatusOK, map[string]any{
		"correlationId": correlationID,
		"verified":      verified,
		"records":       records,
	})
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID  string        `json:"orgId"`
		Period domain.Period `json:"period"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if req.OrgID == "" || req.Period == "" {
		writeError(w, http.StatusBadRequest, "orgId and period are required")
		return
	}

	report, err := h.meter.GetUsage(r.Context(), req.OrgID, req.Period)
	if err != nil {
		h.logger.Error("usage lookup failed", "org_id", req.OrgID, "error", err)
		writeError(w, http.StatusInternalServerError, "usage lookup failed")
		return
	}

	preview := h.settler.Calculate(report)
	result, err := h.settler.Execute(r.Context(), preview)
	if err != nil {
		if h.metrics != nil {
			h.metrics.RecordSettlement("failed")
		}
		h.logger.Error("settlement failed", "org_id", req.OrgID, "period", req.Period, "error", err)
		writeError(w, http.StatusBadGateway, "settlement failed, safe to retry")
		return
	}
	if h.metrics != nil {
		h.metrics.RecordSettlement("settled")
	}
	writeJSON(w, http.StatusOK, result)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// statusForResult maps a terminal pipeline state to an HTTP status.
func statusForResult(result domain.ExecutionResult) int {
	switch result.State {
	case domain.StateSettled:
		return http.StatusOK
	case domain.StateTimeout:
		return http.StatusGatewayTimeout
	case domain.StateRollback:
		return http.StatusInternalServerError
	case domain.StateRejected:
		if result.Err == nil {
			return http.StatusBadRequest
		}
		switch result.Err.Code {
		case domain.CodeSkillNotFound:
			return http.StatusNotFound
		case domain.CodePermissionDenied:
			return http.StatusForbidden
		case domain.CodeQuotaExceeded:
			return http.StatusTooManyRequests
		default:
			return http.StatusBadRequest
		}
	default:
		if result.Err != nil && result.Err.Code == domain.CodeExecutionFailed {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
