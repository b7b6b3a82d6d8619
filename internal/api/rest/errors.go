package rest

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/kubently/kubently/internal/pkg/logger"
)

// Error codes surfaced in the details block of error responses.
const (
	ErrCodeInvalidRequest    = "INVALID_REQUEST"
	ErrCodeUnauthorized      = "UNAUTHORIZED"
	ErrCodeForbidden         = "FORBIDDEN"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCommandRejected   = "COMMAND_REJECTED"
	ErrCodeRateLimitExceeded = "RATE_LIMIT_EXCEEDED"
	ErrCodeStoreUnavailable  = "STATE_STORE_UNAVAILABLE"
	ErrCodeInternalError     = "INTERNAL_ERROR"
)

// APIError is the shared error body: {error, details?, request_id, timestamp}.
type APIError struct {
	Error     string            `json:"error"`
	Details   map[string]string `json:"details,omitempty"`
	RequestID string            `json:"request_id,omitempty"`
	Timestamp string            `json:"timestamp"`
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// respondError writes the structured error body. The request id comes from
// the middleware-populated context so every error correlates to a log line.
func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	respondErrorDetails(w, r, status, code, message, nil)
}

func respondErrorDetails(w http.ResponseWriter, r *http.Request, status int, code, message string, extra map[string]string) {
	details := map[string]string{"code": code}
	for k, v := range extra {
		details[k] = v
	}
	respondJSON(w, status, APIError{
		Error:     message,
		Details:   details,
		RequestID: logger.FromContext(r.Context()),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}
