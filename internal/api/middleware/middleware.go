// Package middleware provides the coordinator's HTTP middleware chain:
// panic recovery, request ids, structured access logging, Prometheus route
// metrics, secure headers, body limits, rate limiting, and the two auth
// gates (client and executor).
package middleware

import (
	"net/http"
	"os"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/kubently/kubently/internal/pkg/logger"
	"github.com/kubently/kubently/internal/pkg/metrics"
)

const ResponseRequestIDHeader = "X-Request-ID"

var requestLogOut = os.Stderr

// RequestID assigns (or echoes) a request id, placing it in the context and
// the response header. The caller-supplied X-Correlation-ID rides along in
// the context for audit records.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(ResponseRequestIDHeader)
		if reqID == "" {
			reqID = uuid.New().String()
		}
		ctx := logger.WithRequestID(r.Context(), reqID)
		if cid := r.Header.Get("X-Correlation-ID"); cid != "" {
			ctx = logger.WithCorrelationID(ctx, cid)
		}
		w.Header().Set(ResponseRequestIDHeader, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// responseWriter captures the status code for logging and metrics.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Flush passes through so SSE streams keep working behind the wrapper.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// StructuredLog logs each finished request as one JSON line and records the
// Prometheus RED metrics. Path labels use the route template to keep
// cardinality bounded.
func StructuredLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		duration := time.Since(start)

		entry := logger.LogEntry{
			RequestID:     logger.FromContext(r.Context()),
			CorrelationID: logger.CorrelationFromContext(r.Context()),
			Method:        r.Method,
			Path:          r.URL.Path,
			Status:        rw.status,
			DurationMs:    float64(duration.Microseconds()) / 1000.0,
			Remote:        r.RemoteAddr,
		}
		if vars := mux.Vars(r); vars != nil {
			entry.ClusterID = vars["clusterId"]
		}
		if entry.ClusterID == "" {
			entry.ClusterID = r.Header.Get("X-Cluster-ID")
		}
		if rw.status >= 400 {
			entry.Error = http.StatusText(rw.status)
		}
		logger.RequestLog(requestLogOut, entry)

		pathLabel := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil && tpl != "" {
				pathLabel = tpl
			}
		}
		metrics.HTTPRequestTotal.WithLabelValues(r.Method, pathLabel, strconv.Itoa(rw.status)).Inc()
		metrics.HTTPRequestDurationSeconds.WithLabelValues(r.Method, pathLabel).Observe(duration.Seconds())
	})
}

// Recovery converts a handler panic into a 500 carrying the request id,
// logging the stack. The process keeps serving.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				reqID := logger.FromContext(r.Context())
				logger.RequestLog(requestLogOut, logger.LogEntry{
					Level:     "error",
					RequestID: reqID,
					Method:    r.Method,
					Path:      r.URL.Path,
					Status:    http.StatusInternalServerError,
					Message:   "panic recovered",
					Error:     string(debug.Stack()),
				})
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusInternalServerError)
				_, _ = w.Write([]byte(`{"error":"internal server error","details":{"code":"INTERNAL_ERROR"},"request_id":"` + reqID + `"}`))
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// BodyLimit caps request body size. Oversized bodies fail on read with a
// 413 from MaxBytesReader.
func BodyLimit(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Body != nil {
				r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecureHeaders sets the standard hardening headers on every response.
func SecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Referrer-Policy", "no-referrer")
		h.Set("Cache-Control", "no-store")
		next.ServeHTTP(w, r)
	})
}
