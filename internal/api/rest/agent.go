package rest

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kubently/kubently/internal/api/middleware"
	"github.com/kubently/kubently/internal/models"
)

// AgentStatus handles GET /agent/status: the executor's view of its own
// cluster, used to choose between short and long fallback waits.
func (h *Handler) AgentStatus(w http.ResponseWriter, r *http.Request) {
	clusterID, _ := middleware.ClusterIDFromContext(r.Context())
	active, err := h.sessions.IsClusterActive(r.Context(), clusterID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	depth, err := h.queue.QueueDepth(r.Context(), clusterID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"cluster_id":  clusterID,
		"is_active":   active,
		"queue_depth": depth,
	})
}

// AgentCommands handles GET /agent/commands?wait=N, the long-poll fallback.
// wait=0 is a non-blocking batch pull; wait>0 blocks up to that long for one
// command. 204 on empty.
func (h *Handler) AgentCommands(w http.ResponseWriter, r *http.Request) {
	clusterID, _ := middleware.ClusterIDFromContext(r.Context())

	wait := 0
	if raw := r.URL.Query().Get("wait"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "wait must be a non-negative integer")
			return
		}
		if v > h.cfg.LongPollTimeoutSeconds {
			v = h.cfg.LongPollTimeoutSeconds
		}
		wait = v
	}

	cmds, err := h.queue.Pull(r.Context(), clusterID, time.Duration(wait)*time.Second)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if len(cmds) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"commands": cmds,
		"count":    len(cmds),
	})
}

// SubmitResult handles POST /agent/results and /executor/results. 404 when
// the tracking record has already expired: the executor drops the result and
// moves on.
func (h *Handler) SubmitResult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		CommandID string               `json:"command_id" validate:"required,max=128"`
		Result    models.CommandResult `json:"result"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := bodyValidator.Struct(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	req.Result.CommandID = req.CommandID

	stored, err := h.queue.StoreResult(r.Context(), &req.Result)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if !stored {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "command tracking expired")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message":    "result stored",
		"command_id": req.CommandID,
	})
}
