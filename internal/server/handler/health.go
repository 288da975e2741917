package handler

import (
	"log/slog"
	"net/http"
	"time"
)

// HealthHandler serves the liveness endpoint. Mirrors report the same
// shape as full instances so peers can probe either interchangeably.
type HealthHandler struct {
	mode    string
	started time.Time
	logger  *slog.Logger
}

func NewHealthHandler(mode string, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{mode: mode, started: time.Now(), logger: logger}
}

// HealthCheck reports liveness, the running mode, and process uptime.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"mode":      h.mode,
		"uptimeSec": int64(time.Since(h.started).Seconds()),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
