// Package api exposes the coordinator's thin HTTP surface: starting
// scans, reading status and findings, triggering reconciliation, and the
// WebSocket event stream. Authentication and origin policy are left to
// whatever fronts the daemon.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/log"

	apperrors "github.com/nkropf/datapatrol/internal/errors"
	"github.com/nkropf/datapatrol/internal/investigation"
	"github.com/nkropf/datapatrol/internal/metrics"
	"github.com/nkropf/datapatrol/internal/store"
	"github.com/nkropf/datapatrol/internal/websocket"
)

// Handlers wires the HTTP surface to the coordinator and store.
type Handlers struct {
	store       *store.Store
	coordinator *investigation.Coordinator
	hub         *websocket.Hub
}

// NewHandlers creates the API handler set.
func NewHandlers(s *store.Store, c *investigation.Coordinator, hub *websocket.Hub) *Handlers {
	return &Handlers{store: s, coordinator: c, hub: hub}
}

// Router builds the HTTP mux.
func (h *Handlers) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/scans/{definitionID}", h.handleStartScan)
	mux.HandleFunc("GET /api/investigators/{id}/status", h.handleInvestigatorStatus)
	mux.HandleFunc("GET /api/executions/{id}/findings", h.handleListFindings)
	mux.HandleFunc("POST /api/executions/{id}/reconcile", h.handleReconcile)
	mux.HandleFunc("GET /ws", h.hub.HandleWebSocket)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return mux
}

// handleStartScan runs the scan synchronously; the HTTP request is the
// caller's worker context. Long scans mean long requests by design.
func (h *Handlers) handleStartScan(w http.ResponseWriter, r *http.Request) {
	definitionID := r.PathValue("definitionID")
	accepted := h.coordinator.StartScan(r.Context(), definitionID)
	status := http.StatusOK
	if !accepted {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, map[string]bool{"accepted": accepted})
}

// handleInvestigatorStatus reports the latest execution's status and live
// counter. Reading a terminal execution triggers reconciliation first, so
// a drifted counter heals on read.
func (h *Handlers) handleInvestigatorStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ctx := r.Context()

	exec, err := h.store.LatestExecution(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}

	if exec.Status.Terminal() {
		corrected, rerr := h.store.ReconcileResultCount(ctx, exec.ID)
		if rerr != nil {
			log.Warn().Err(rerr).Str("execution", exec.ID).Msg("Reconciliation on read failed")
		} else if corrected {
			metrics.Get().CountsReconciled.Inc()
			if fresh, gerr := h.store.GetExecution(ctx, exec.ID); gerr == nil {
				exec = fresh
			}
		}
	}

	writeJSON(w, http.StatusOK, exec)
}

func (h *Handlers) handleListFindings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	findings, err := h.store.ListFindings(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if findings == nil {
		findings = []*investigation.Finding{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"findings": findings,
		"limit":    limit,
		"offset":   offset,
	})
}

func (h *Handlers) handleReconcile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	corrected, err := h.store.ReconcileResultCount(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if corrected {
		metrics.Get().CountsReconciled.Inc()
	}
	writeJSON(w, http.StatusOK, map[string]bool{"corrected": corrected})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, apperrors.ErrNotFound) {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
