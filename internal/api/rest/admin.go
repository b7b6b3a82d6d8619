package rest

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/kubently/kubently/internal/api/middleware"
	"github.com/kubently/kubently/internal/auth"
	"github.com/kubently/kubently/internal/pkg/audit"
	"github.com/kubently/kubently/internal/pkg/logger"
	"github.com/kubently/kubently/internal/pkg/validate"
)

// IssueToken handles POST /admin/agents/{clusterId}/token. The plaintext
// token appears in this response exactly once; only a hash-free opaque value
// is stored, so there is no second read path.
func (h *Handler) IssueToken(w http.ResponseWriter, r *http.Request) {
	clusterID, caller, ok := h.adminRequest(w, r)
	if !ok {
		return
	}

	var req struct {
		CustomToken string `json:"custom_token,omitempty"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid request body")
			return
		}
	}

	token, err := h.registry.Issue(r.Context(), clusterID, req.CustomToken)
	if errors.Is(err, auth.ErrTokenExists) {
		respondError(w, r, http.StatusConflict, ErrCodeConflict,
			"a token already exists for this cluster; revoke it first or supply custom_token")
		return
	}
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	h.trail.TokenLifecycle(r.Context(), audit.ActionTokenCreated, clusterID, caller.Identity, logger.FromContext(r.Context()))
	respondJSON(w, http.StatusCreated, map[string]string{
		"cluster_id": clusterID,
		"token":      token,
		"created_at": time.Now().UTC().Format(time.RFC3339),
	})
}

// RevokeToken handles DELETE /admin/agents/{clusterId}/token.
func (h *Handler) RevokeToken(w http.ResponseWriter, r *http.Request) {
	clusterID, caller, ok := h.adminRequest(w, r)
	if !ok {
		return
	}
	removed, err := h.registry.Revoke(r.Context(), clusterID)
	if err != nil {
		respondStoreError(w, r, err)
		return
	}
	if !removed {
		respondError(w, r, http.StatusNotFound, ErrCodeNotFound, "no token registered for cluster "+clusterID)
		return
	}
	h.trail.TokenLifecycle(r.Context(), audit.ActionTokenRevoked, clusterID, caller.Identity, logger.FromContext(r.Context()))
	respondJSON(w, http.StatusOK, map[string]string{
		"message":    "token revoked",
		"cluster_id": clusterID,
	})
}

// adminRequest validates the path and enforces the admin-identity scope.
func (h *Handler) adminRequest(w http.ResponseWriter, r *http.Request) (string, auth.CallerResult, bool) {
	clusterID := mux.Vars(r)["clusterId"]
	if !validate.ClusterID(clusterID) {
		respondError(w, r, http.StatusBadRequest, ErrCodeInvalidRequest, "invalid cluster id")
		return "", auth.CallerResult{}, false
	}
	caller, _ := middleware.CallerFromContext(r.Context())
	if !h.verifier.IsAdmin(caller.Identity) {
		respondError(w, r, http.StatusForbidden, ErrCodeForbidden, "admin scope required")
		return "", auth.CallerResult{}, false
	}
	return clusterID, caller, true
}
