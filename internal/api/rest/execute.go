package rest

import (
	"encoding/json"
	"net/http"
	"slices"
	"strings"

	"github.com/gorilla/mux"

	"github.com/kubently/kubently/internal/executor/whitelist"
	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/validate"
)

// ExecuteRequest is the body of POST /debug/execute and /debug/execute/async.
type ExecuteRequest struct {
	ClusterID      string   `json:"cluster_id" validate:"required,max=100"`
	SessionID      string   `json:"session_id,omitempty" validate:"max=128"`
	CorrelationID  string   `json:"correlation_id,omitempty" validate:"max=256"`
	CommandType    string   `json:"command_type" validate:"required,max=32"`
	Args           []string `json:"args" validate:"required,min=1,max=20,dive,min=1,max=512"`
	Namespace      string   `json:"namespace,omitempty" validate:"max=253"`
	TimeoutSeconds int      `json:"timeout_seconds,omitempty" validate:"omitempty,min=1,max=30"`
}

// CommandResponse is the synchronous execute reply.
type CommandResponse struct {
	CommandID       string `json:"command_id"`
	ClusterID       string `json:"cluster_id"`
	Status          string `json:"status"` // success | failure | timeout
	Output          string `json:"output,omitempty"`
	Error           *string `json:"error,omitempty"`
	ExitCode        *int    `json:"exit_code,omitempty"`
	ExecutionTimeMS int64   `json:"execution_time_ms,omitempty"`
	PollURL         string  `json:"poll_url,omitempty"`
}

// Execute handles POST /debug/execute: push, then block on the result
// rendezvous up to the request budget. A timeout returns 408; the result, if
// it arrives later, stays pollable via /debug/operations/{id} until its TTL.
func (h *Handler) Execute(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}
	id, err := h.queue.Push(r.Context(), cmd)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}

	res, err := h.queue.WaitForResult(r.Context(), id, h.requestTimeout(r, cmd.TimeoutSeconds))
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if res == nil {
		respondErrorDetails(w, r, http.StatusRequestTimeout, ErrCodeTimeout,
			"command did not complete within the request timeout",
			map[string]string{"command_id": id, "poll_url": "/debug/operations/" + id})
		return
	}
	respondJSON(w, http.StatusOK, commandResponse(cmd.ClusterID, res))
}

// ExecuteAsync handles POST /debug/execute/async: push and return an
// operation id immediately.
func (h *Handler) ExecuteAsync(w http.ResponseWriter, r *http.Request) {
	cmd, ok := h.decodeExecute(w, r)
	if !ok {
		return
	}
	id, err := h.queue.Push(r.Context(), cmd)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"operation_id": id,
		"status":       "pending",
		"poll_url":     "/debug/operations/" + id,
	})
}

// GetOperation handles GET /debug/operations/{id}. Completed operations
// return the stored result; pending ones (tracking record still alive)
// report their status; everything else has expired and is 404.
func (h *Handler) GetOperation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	res, err := h.queue.GetResult(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if res != nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{
			"operation_id": id,
			"status":       "completed",
			"result":       res,
		})
		return
	}
	tracking, err := h.queue.GetTracking(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if tracking == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "operation not found or expired")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"operation_id": id,
		"status":       "pending",
		"cluster_id":   tracking.ClusterID,
		"queued_at":    tracking.QueuedAt,
	})
}

// ListClusters handles GET /debug/clusters: cluster ids with registered
// executor tokens, plus which of them currently hold active sessions.
func (h *Handler) ListClusters(w http.ResponseWriter, r *http.Request) {
	ids, err := h.store.ListClusterIDs(r.Context())
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	active := make([]string, 0)
	for _, id := range ids {
		if on, err := h.sessions.IsClusterActive(r.Context(), id); err == nil && on {
			active = append(active, id)
		}
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"clusters": ids,
		"active":   active,
	})
}

// decodeExecute decodes and validates an execute body, returning the
// ready-to-push command. Forbidden commands are rejected here with 422
// before anything is queued; the executor re-validates against its own
// whitelist regardless.
func (h *Handler) decodeExecute(w http.ResponseWriter, r *http.Request) (*models.Command, bool) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return nil, false
	}
	if err := bodyValidator.Struct(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return nil, false
	}
	if !validate.ClusterID(req.ClusterID) {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "cluster_id must be a lowercase DNS label")
		return nil, false
	}
	if !validate.Namespace(req.Namespace) {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid namespace")
		return nil, false
	}
	verb := strings.ToLower(strings.TrimSpace(req.CommandType))
	if !slices.Contains(whitelist.KnownVerbs(), verb) {
		respondError(w, r, http.StatusUnprocessableEntity, ErrCodeCommandRejected,
			"command_type "+req.CommandType+" is not a recognized read verb")
		return nil, false
	}
	if err := whitelist.CheckBaseline(verb, req.Args); err != nil {
		respondError(w, r, http.StatusUnprocessableEntity, ErrCodeCommandRejected, err.Error())
		return nil, false
	}

	// Unknown clusters are rejected up front so clients get a 404 instead of
	// a 408 against a queue nothing will ever drain.
	if known, err := h.clusterKnown(r, req.ClusterID); err != nil {
		respondStoreError(w, r, err)
		return nil, false
	} else if !known {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "unknown cluster "+req.ClusterID)
		return nil, false
	}

	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = r.Header.Get("X-Correlation-ID")
	}
	if req.SessionID != "" {
		// Session activity extends the triple; a vanished session is fine,
		// the command still runs.
		if _, err := h.sessions.KeepAlive(r.Context(), req.SessionID); err != nil {
			respondStoreError(w, r, err)
			return nil, false
		}
	}
	return &models.Command{
		ClusterID:      req.ClusterID,
		CommandType:    verb,
		Args:           req.Args,
		Namespace:      req.Namespace,
		TimeoutSeconds: req.TimeoutSeconds,
		SessionID:      req.SessionID,
		CorrelationID:  correlationID,
	}, true
}

// clusterKnown reports whether an executor token (dynamic or environment
// fallback) exists for the cluster, or a session is currently active on it.
func (h *Handler) clusterKnown(r *http.Request, clusterID string) (bool, error) {
	tok, err := h.store.GetExecutorToken(r.Context(), clusterID)
	if err != nil {
		return false, err
	}
	if tok != "" {
		return true, nil
	}
	return h.sessions.IsClusterActive(r.Context(), clusterID)
}

func commandResponse(clusterID string, res *models.CommandResult) CommandResponse {
	status := "failure"
	if res.Success {
		status = "success"
	} else if res.Error != nil && strings.Contains(*res.Error, "timed out") {
		status = "timeout"
	}
	return CommandResponse{
		CommandID:       res.CommandID,
		ClusterID:       clusterID,
		Status:          status,
		Output:          res.Output,
		Error:           res.Error,
		ExitCode:        res.ExitCode,
		ExecutionTimeMS: res.ExecutionTimeMS,
	}
}
