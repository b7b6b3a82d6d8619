// Package rest is the coordinator's HTTP surface. Handlers are thin: they
// validate input, delegate to the auth/session/queue services, and translate
// outcomes into the wire contracts. All real semantics live below this layer.
package rest

import (
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kubently/kubently/internal/api/middleware"
	"github.com/kubently/kubently/internal/auth"
	"github.com/kubently/kubently/internal/config"
	"github.com/kubently/kubently/internal/pkg/audit"
	"github.com/kubently/kubently/internal/repository"
	"github.com/kubently/kubently/internal/service"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

var bodyValidator = validator.New(validator.WithRequiredStructEnabled())

// Handler carries the services every endpoint delegates to.
type Handler struct {
	cfg      *config.Config
	sessions *service.SessionService
	queue    *service.QueueService
	store    *repository.Store
	notifier *repository.Notifier
	verifier *auth.Verifier
	registry *auth.TokenRegistry
	trail    *audit.Trail
	started  time.Time
}

// NewHandler assembles the HTTP handler set.
func NewHandler(
	cfg *config.Config,
	sessions *service.SessionService,
	queue *service.QueueService,
	store *repository.Store,
	notifier *repository.Notifier,
	verifier *auth.Verifier,
	registry *auth.TokenRegistry,
	trail *audit.Trail,
) *Handler {
	return &Handler{
		cfg:      cfg,
		sessions: sessions,
		queue:    queue,
		store:    store,
		notifier: notifier,
		verifier: verifier,
		registry: registry,
		trail:    trail,
		started:  time.Now(),
	}
}

// SetupRoutes wires the three endpoint roles onto the router. Client routes
// sit behind ClientAuth and rate limiting, executor routes behind
// ExecutorAuth; discovery, health, and metrics stay open.
func SetupRoutes(router *mux.Router, h *Handler, rl *middleware.RateLimiter) {
	// Discovery role (unauthenticated).
	router.HandleFunc("/health", h.Health).Methods("GET")
	router.HandleFunc("/.well-known/kubently-auth", h.AuthDiscovery).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Client role.
	client := router.PathPrefix("/debug").Subrouter()
	client.Use(middleware.ClientAuth(h.verifier))
	client.Use(rl.Limit)
	client.HandleFunc("/session", h.CreateSession).Methods("POST")
	client.HandleFunc("/session/{id}", h.GetSession).Methods("GET")
	client.HandleFunc("/session/{id}", h.EndSession).Methods("DELETE")
	client.HandleFunc("/execute", h.Execute).Methods("POST")
	client.HandleFunc("/execute/async", h.ExecuteAsync).Methods("POST")
	client.HandleFunc("/operations/{id}", h.GetOperation).Methods("GET")
	client.HandleFunc("/clusters", h.ListClusters).Methods("GET")

	admin := router.PathPrefix("/admin").Subrouter()
	admin.Use(middleware.ClientAuth(h.verifier))
	admin.Use(rl.Limit)
	admin.HandleFunc("/agents/{clusterId}/token", h.IssueToken).Methods("POST")
	admin.HandleFunc("/agents/{clusterId}/token", h.RevokeToken).Methods("DELETE")

	// Executor role. Two prefixes share the same handlers; /agent is the
	// original surface, /executor the streaming-era alias.
	agent := router.PathPrefix("/agent").Subrouter()
	agent.Use(middleware.ExecutorAuth(h.verifier))
	agent.HandleFunc("/status", h.AgentStatus).Methods("GET")
	agent.HandleFunc("/commands", h.AgentCommands).Methods("GET")
	agent.HandleFunc("/results", h.SubmitResult).Methods("POST")

	executor := router.PathPrefix("/executor").Subrouter()
	executor.Use(middleware.ExecutorAuth(h.verifier))
	executor.HandleFunc("/stream", h.Stream).Methods("GET")
	executor.HandleFunc("/results", h.SubmitResult).Methods("POST")
}

// requestTimeout resolves the effective budget for a synchronous call:
// explicit body value first, then the X-Request-Timeout header, then the
// configured default — always clamped to [1,30] seconds.
func (h *Handler) requestTimeout(r *http.Request, bodySeconds int) time.Duration {
	secs := bodySeconds
	if secs == 0 {
		if hdr := r.Header.Get("X-Request-Timeout"); hdr != "" {
			if v, err := time.ParseDuration(hdr + "s"); err == nil {
				secs = int(v.Seconds())
			}
		}
	}
	if secs == 0 {
		secs = h.cfg.CommandTimeoutSeconds
	}
	if secs < 1 {
		secs = 1
	}
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}
