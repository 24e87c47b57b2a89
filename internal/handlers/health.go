package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/roomcast/backend/internal/logging"
)

const healthTimeout = 2 * time.Second

// StoreChecker reports whether persistence is reachable.
type StoreChecker interface {
	Ping(ctx context.Context) error
}

// ConnectionCounter reports the number of registered realtime connections.
type ConnectionCounter interface {
	Len() int
}

// HealthHandler reports store reachability and realtime load.
type HealthHandler struct {
	Store    StoreChecker
	Sessions ConnectionCounter
}

type healthResponse struct {
	Status      string `json:"status"`
	Store       string `json:"store"`
	Connections int    `json:"connections"`
}

// Handle implements GET /healthz. An unreachable store answers 503.
func (h HealthHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	resp := healthResponse{Status: "ok", Store: "unchecked"}
	if h.Store != nil {
		resp.Store = "ok"
		if err := h.Store.Ping(ctx); err != nil {
			logging.FromContext(ctx).Warn("store ping failed", "error", err)
			resp.Status, resp.Store = "degraded", "unreachable"
			status = http.StatusServiceUnavailable
		}
	}
	if h.Sessions != nil {
		resp.Connections = h.Sessions.Len()
	}

	respondJSON(r.Context(), w, status, resp)
}
