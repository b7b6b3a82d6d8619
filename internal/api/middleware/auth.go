package middleware

import (
	"context"
	"net/http"

	"github.com/kubently/kubently/internal/auth"
)

type contextKey int

const (
	callerKey contextKey = iota
	clusterIDKey
)

// CallerFromContext returns the verified caller placed by ClientAuth.
func CallerFromContext(ctx context.Context) (auth.CallerResult, bool) {
	c, ok := ctx.Value(callerKey).(auth.CallerResult)
	return c, ok
}

// ClusterIDFromContext returns the authenticated executor's cluster id
// placed by ExecutorAuth.
func ClusterIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(clusterIDKey).(string)
	return id, ok
}

// ClientAuth gates the /debug and /admin surfaces: API key or JWT. The
// verified caller lands in the context for handlers that need the identity.
func ClientAuth(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller := v.VerifyCaller(r)
			if !caller.Valid {
				unauthorized(w, r, "authentication required")
				return
			}
			ctx := context.WithValue(r.Context(), callerKey, caller)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// ExecutorAuth gates the /agent and /executor surfaces: cluster token plus
// X-Cluster-ID. The verified cluster id lands in the context.
func ExecutorAuth(v *auth.Verifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clusterID, ok := v.VerifyExecutor(r)
			if !ok {
				unauthorized(w, r, "invalid cluster token")
				return
			}
			ctx := context.WithValue(r.Context(), clusterIDKey, clusterID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	reqID := w.Header().Get(ResponseRequestIDHeader)
	_, _ = w.Write([]byte(`{"error":"` + msg + `","details":{"code":"UNAUTHORIZED"},"request_id":"` + reqID + `"}`))
}
