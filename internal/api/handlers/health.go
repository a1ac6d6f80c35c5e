package handlers

import (
	"net/http"
	"time"

	"apkscore-lab/internal/grpc/health"
	"apkscore-lab/pkg/logger"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checker   *health.Checker
	version   string
	logger    *logger.Logger
	startTime time.Time
}

// NewHealthHandler creates a new HealthHandler; checker may be nil
func NewHealthHandler(checker *health.Checker, version string, log *logger.Logger) *HealthHandler {
	return &HealthHandler{
		checker:   checker,
		version:   version,
		logger:    log.WithComponent("health"),
		startTime: time.Now(),
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Uptime    string            `json:"uptime"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks,omitempty"`
}

// Check handles GET /health
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Ready handles GET /ready - pings every configured store
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	status := http.StatusOK
	overall := "ready"

	if h.checker != nil {
		h.checker.CheckOnce(r.Context())
		for name, err := range h.checker.Status() {
			if err != nil {
				checks[name] = "unhealthy: " + err.Error()
				status = http.StatusServiceUnavailable
				overall = "not ready"
				continue
			}
			checks[name] = "healthy"
		}
	}
	checks["analyzer"] = "healthy"

	respondJSON(w, status, HealthResponse{
		Status:    overall,
		Version:   h.version,
		Uptime:    time.Since(h.startTime).String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Checks:    checks,
	})
}
