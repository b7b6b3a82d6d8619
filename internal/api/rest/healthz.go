package rest

import (
	"context"
	"net/http"
	"time"
)

const storePingTimeout = 2 * time.Second

// Health handles GET /health: liveness plus state-store reachability and the
// live-session count. An unreachable store degrades to 503 so load balancers
// stop routing here.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storePingTimeout)
	defer cancel()

	storeStatus := "connected"
	status := "healthy"
	code := http.StatusOK
	if err := h.store.Ping(ctx); err != nil {
		storeStatus = "unreachable"
		status = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	var active int64
	if code == http.StatusOK {
		if n, err := h.sessions.CountActive(ctx); err == nil {
			active = n
		}
	}

	respondJSON(w, code, map[string]interface{}{
		"status":          status,
		"state_store":     storeStatus,
		"version":         Version,
		"uptime_seconds":  int64(time.Since(h.started).Seconds()),
		"active_sessions": active,
	})
}
