package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/chainweave/indexor/internal/logger"
	"github.com/chainweave/indexor/internal/orchestrator"
)

// HealthProvider is the surface the API needs from the running engine: its
// per-network sync status.
type HealthProvider interface {
	Health() []orchestrator.HealthStatus
}

// Handler serves the health/readiness/metrics HTTP surface.
type Handler struct {
	engine HealthProvider
	log    *logger.Logger
}

// NewHandler builds a Handler backed by the given engine.
func NewHandler(engine HealthProvider, log *logger.Logger) *Handler {
	return &Handler{engine: engine, log: log}
}

// Health reports every network's sync status. The overall status is "ok"
// only when every network reports healthy.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	statuses := h.engine.Health()

	resp := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Networks:  make([]NetworkStatus, 0, len(statuses)),
	}
	for _, s := range statuses {
		if !s.Healthy {
			resp.Status = "degraded"
		}
		resp.Networks = append(resp.Networks, NetworkStatus{
			Network:             s.Network,
			Healthy:             s.Healthy,
			TipBlock:            s.TipBlock,
			LastDispatchedBlock: s.LastDispatchedBlock,
		})
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Ready reports whether the process is ready to serve, i.e. every network
// has produced at least one health observation. During startup, before
// the first network's health loop has ticked, this is false.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	statuses := h.engine.Health()

	status := http.StatusOK
	ready := len(statuses) > 0
	for _, s := range statuses {
		if s.Network == "" {
			// Zero value: this network's health loop has not ticked yet.
			ready = false
		}
	}
	if !ready {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, ReadyResponse{Ready: ready})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Errorw("encode response", "error", err)
	}
}
