// The kubently-api binary is the coordinator: it serves the client, admin,
// executor, and discovery HTTP surfaces and keeps all durable state in the
// state store.
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/kubently/kubently/internal/api/middleware"
	"github.com/kubently/kubently/internal/api/rest"
	"github.com/kubently/kubently/internal/auth"
	"github.com/kubently/kubently/internal/config"
	"github.com/kubently/kubently/internal/pkg/audit"
	"github.com/kubently/kubently/internal/pkg/logger"
	"github.com/kubently/kubently/internal/pkg/tracing"
	"github.com/kubently/kubently/internal/repository"
	"github.com/kubently/kubently/internal/service"
)

func main() {
	slogger := logger.StdLogger()
	slogger.Info("kubently coordinator starting", "version", rest.Version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracing, err := tracing.Init(cfg.TracingServiceName, tracingEndpoint(cfg), cfg.TracingSamplingRate)
	if err != nil {
		slogger.Warn("tracing init failed, continuing without tracing", "error", err)
		shutdownTracing = func() {}
	}
	defer shutdownTracing()

	store, err := repository.New(cfg.StateStoreURL, slogger)
	if err != nil {
		log.Fatalf("failed to connect to state store: %v", err)
	}
	defer store.Close()
	if err := store.Ping(ctx); err != nil {
		slogger.Warn("state store not reachable at startup", "error", err)
	}

	notifier := repository.NewNotifier(store.Client(), slogger)
	defer notifier.Close()
	go func() {
		if err := notifier.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			slogger.Error("notifier terminated", "error", err)
		}
	}()

	trail := audit.New(store)

	keys, err := auth.ParseAPIKeys(cfg.APIKeys)
	if err != nil {
		log.Fatalf("failed to parse api keys: %v", err)
	}
	jwtVerifier, err := auth.NewJWTVerifier(ctx, auth.JWTConfig{
		Enabled:  cfg.OIDCEnabled,
		Issuer:   cfg.OIDCIssuer,
		Audience: cfg.Audience(),
		JWKSURI:  cfg.OIDCJWKSURI,
	}, slogger)
	if err != nil {
		// Fail-closed verifier: JWTs deny until the issuer is reachable.
		slogger.Error("jwt verifier degraded", "error", err)
	}
	registry := auth.NewTokenRegistry(store)
	verifier := auth.NewVerifier(jwtVerifier, keys, registry, trail, cfg.AdminIdentities)

	sessions := service.NewSessionService(store, trail, cfg.SessionTTLSeconds, slogger)
	queue := service.NewQueueService(store, notifier,
		time.Duration(cfg.ResultTTLSeconds)*time.Second, cfg.MaxCommandsPerFetch, slogger)

	go sessions.Sweep(ctx, time.Duration(cfg.SweepIntervalSec)*time.Second)

	handler := rest.NewHandler(cfg, sessions, queue, store, notifier, verifier, registry, trail)
	limiter := middleware.NewRateLimiter(middleware.RateLimits{
		ExecutePerMin:  cfg.RateLimitExecutePerMin,
		ExecuteBurst:   cfg.RateLimitExecuteBurst,
		StandardPerMin: cfg.RateLimitStandardPerMin,
		StandardBurst:  cfg.RateLimitStandardBurst,
	})

	router := mux.NewRouter()
	rest.SetupRoutes(router, handler, limiter)
	router.Use(middleware.Recovery)
	router.Use(middleware.RequestID)
	router.Use(middleware.StructuredLog)
	router.Use(middleware.SecureHeaders)
	router.Use(middleware.BodyLimit(int64(cfg.MaxBodyBytes)))

	var root http.Handler = router
	if cfg.TracingEnabled {
		root = otelhttp.NewHandler(root, "kubently-api")
	}
	if len(cfg.AllowedOrigins) > 0 {
		root = cors.New(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{
				"Content-Type", "Authorization", "X-API-Key",
				"X-Cluster-ID", "X-Correlation-ID", "X-Service-Identity", "X-Request-Timeout",
			},
		}).Handler(root)
	}

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           root,
		ReadHeaderTimeout: 10 * time.Second,
		// No WriteTimeout: executor streams and long polls stay open well
		// past any fixed budget; per-write deadlines bound the streams.
	}

	errCh := make(chan error, 1)
	go func() {
		slogger.Info("listening", "addr", cfg.Addr())
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slogger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer shutdownCancel()
	cancel() // stop streams, sweeper, notifier fan-out
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slogger.Warn("graceful shutdown incomplete", "error", err)
	}
	slogger.Info("coordinator stopped")
}

// tracingEndpoint returns the OTLP endpoint only when tracing is enabled so
// a configured-but-disabled endpoint stays inert.
func tracingEndpoint(cfg *config.Config) string {
	if !cfg.TracingEnabled {
		return ""
	}
	return cfg.TracingEndpoint
}
