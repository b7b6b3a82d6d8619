package rest

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/kubently/kubently/internal/api/middleware"
	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/validate"
	"github.com/kubently/kubently/internal/repository"
)

// CreateSessionRequest is the body of POST /debug/session.
type CreateSessionRequest struct {
	ClusterID       string `json:"cluster_id" validate:"required,max=100"`
	UserID          string `json:"user_id,omitempty" validate:"max=256"`
	CorrelationID   string `json:"correlation_id,omitempty" validate:"max=256"`
	ServiceIdentity string `json:"service_identity,omitempty" validate:"max=256"`
	TTLSeconds      int    `json:"ttl_seconds,omitempty" validate:"omitempty,min=60,max=3600"`
}

// SessionResponse mirrors the stored session record.
type SessionResponse struct {
	SessionID       string `json:"session_id"`
	ClusterID       string `json:"cluster_id"`
	UserID          string `json:"user_id,omitempty"`
	ServiceIdentity string `json:"service_identity,omitempty"`
	CorrelationID   string `json:"correlation_id,omitempty"`
	CreatedAt       string `json:"created_at"`
	LastActivity    string `json:"last_activity"`
	CommandCount    int    `json:"command_count"`
	TTLSeconds      int    `json:"ttl_seconds"`
}

func sessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		SessionID:       s.SessionID,
		ClusterID:       s.ClusterID,
		UserID:          s.UserID,
		ServiceIdentity: s.ServiceIdentity,
		CorrelationID:   s.CorrelationID,
		CreatedAt:       s.CreatedAt.Format(timeFormat),
		LastActivity:    s.LastActivity.Format(timeFormat),
		CommandCount:    s.CommandCount,
		TTLSeconds:      s.TTLSeconds,
	}
}

const timeFormat = "2006-01-02T15:04:05.999999Z07:00"

// CreateSession handles POST /debug/session.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
		return
	}
	if err := bodyValidator.Struct(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, err.Error())
		return
	}
	if !validate.ClusterID(req.ClusterID) {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "cluster_id must be a lowercase DNS label")
		return
	}
	userID := req.UserID
	if userID == "" {
		if caller, ok := middleware.CallerFromContext(r.Context()); ok {
			userID = caller.Identity
		}
	}
	serviceIdentity := req.ServiceIdentity
	if serviceIdentity == "" {
		serviceIdentity = r.Header.Get("X-Service-Identity")
	}
	correlationID := req.CorrelationID
	if correlationID == "" {
		correlationID = r.Header.Get("X-Correlation-ID")
	}

	sess, err := h.sessions.Create(r.Context(), req.ClusterID, userID, correlationID, serviceIdentity, req.TTLSeconds)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, sessionResponse(sess))
}

// GetSession handles GET /debug/session/{id}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	sess, err := h.sessions.Get(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if sess == nil {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, sessionResponse(sess))
}

// EndSession handles DELETE /debug/session/{id}.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ok, err := h.sessions.End(r.Context(), id)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if !ok {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "session not found")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"message":    "session ended",
		"session_id": id,
	})
}

// respondStoreError maps state-store failures onto 503 and everything else
// onto 500.
func respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, repository.ErrStoreUnavailable) {
		respondError(w, r, http.StatusServiceUnavailable, ErrCodeStoreUnavailable, "state store unavailable")
		return
	}
	respondError(w, r, http.StatusInternalServerError, ErrCodeInternalError, "internal error")
}
