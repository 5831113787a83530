// Package handlers implements StoreSync's operator HTTP surface
// (spec.md §6): a handful of read-only status endpoints plus two
// localhost-only mutating ones. Grounded on the teacher's ProductHandler
// response/errorResponse envelope, trimmed down from full product CRUD.
package handlers

import (
	"net/http"
	"strconv"

	"github.com/athebyme/storesync/internal/adapters/history"
	"github.com/athebyme/storesync/internal/breaker"
	"github.com/athebyme/storesync/internal/domain/services"
	"github.com/athebyme/storesync/internal/ports"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

type response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

func writeError(w http.ResponseWriter, r *http.Request, status int, slug, message string) {
	render.Status(r, status)
	render.JSON(w, r, errorResponse{Error: slug, Code: status, Message: message})
}

func writeOK(w http.ResponseWriter, r *http.Request, data interface{}) {
	render.Status(r, http.StatusOK)
	render.JSON(w, r, response{Success: true, Data: data})
}

// OperatorHandler serves /health, /metrics*, /circuit-breakers*, and
// /trigger-sync. It depends only on narrow interfaces (StatusProvider,
// breaker.Registry, history.Ledger) so the HTTP layer never imports the
// concrete Scheduler/SyncEngine types.
type OperatorHandler struct {
	status    services.StatusProvider
	breakers  *breaker.Registry
	ledger    history.Ledger // may be nil: history is an optional, best-effort component
	logger    ports.LoggerPort
}

func NewOperatorHandler(status services.StatusProvider, breakers *breaker.Registry, ledger history.Ledger, logger ports.LoggerPort) *OperatorHandler {
	return &OperatorHandler{status: status, breakers: breakers, ledger: ledger, logger: logger}
}

// Health serves GET /health. Status code mirrors the verdict so naive
// uptime checks (HTTP 200 == healthy) work without parsing the body.
func (h *OperatorHandler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.status.Health()

	code := http.StatusOK
	if report.Verdict == services.HealthError {
		code = http.StatusServiceUnavailable
	}
	render.Status(r, code)
	render.JSON(w, r, report)
}

// Metrics serves GET /metrics: the per-store rollup across all
// configured stores. The prometheus scrape endpoint is mounted by
// SetupRouter at /metrics/prometheus via promhttp.Handler (a different
// content type).
func (h *OperatorHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	writeOK(w, r, h.status.AllStoreStatuses())
}

// StoreMetrics serves GET /metrics/store/:id.
func (h *OperatorHandler) StoreMetrics(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "store id must be an integer")
		return
	}

	st, ok := h.status.StoreStatus(id)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "unknown store")
		return
	}
	writeOK(w, r, st)
}

// History serves GET /metrics/history. Optional query param store_id
// filters to one store; absent means all stores. Returns an empty list
// (not an error) when no ledger is configured, since the ledger is a
// best-effort introspection aid, not a required dependency.
func (h *OperatorHandler) History(w http.ResponseWriter, r *http.Request) {
	if h.ledger == nil {
		writeOK(w, r, []history.RunRecord{})
		return
	}

	storeID := 0
	if raw := r.URL.Query().Get("store_id"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "bad_request", "store_id must be an integer")
			return
		}
		storeID = parsed
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	records, err := h.ledger.RecentRuns(r.Context(), storeID, limit)
	if err != nil {
		h.logger.ErrorWithContext(r.Context(), "querying sync history", ports.LogField{Key: "error", Value: err.Error()})
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load sync history")
		return
	}
	writeOK(w, r, records)
}

type breakerStatus struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

// CircuitBreakers serves GET /circuit-breakers.
func (h *OperatorHandler) CircuitBreakers(w http.ResponseWriter, r *http.Request) {
	all := h.breakers.All()
	out := make([]breakerStatus, 0, len(all))
	for _, b := range all {
		out = append(out, breakerStatus{Name: b.Name(), State: b.State().String()})
	}
	writeOK(w, r, out)
}

// ResetCircuitBreaker serves POST /circuit-breakers/reset/:name
// (localhost-only, enforced by middleware.LocalhostOnly upstream of
// this handler).
func (h *OperatorHandler) ResetCircuitBreaker(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	b, ok := h.breakers.Get(name)
	if !ok {
		writeError(w, r, http.StatusNotFound, "not_found", "unknown breaker")
		return
	}
	b.Reset()
	writeOK(w, r, breakerStatus{Name: b.Name(), State: b.State().String()})
}

type triggerSyncRequest struct {
	StoreID int `json:"storeId"`
}

// TriggerSync serves POST /trigger-sync (localhost-only): requests an
// out-of-band run outside the scheduler's normal sweep cadence.
func (h *OperatorHandler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req triggerSyncRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, "bad_request", "invalid request body")
		return
	}
	if req.StoreID <= 0 {
		writeError(w, r, http.StatusBadRequest, "bad_request", "storeId is required")
		return
	}

	if err := h.status.TriggerSync(req.StoreID); err != nil {
		writeError(w, r, http.StatusConflict, "trigger_failed", err.Error())
		return
	}
	writeOK(w, r, map[string]string{"status": "triggered"})
}
