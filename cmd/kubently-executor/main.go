// The kubently-executor binary runs inside a target cluster: it maintains
// the event stream to the coordinator, validates each delivered command
// against the mounted whitelist, forks kubectl under the pod's service
// account, and reports structured results.
package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"

	"github.com/kubently/kubently/internal/executor"
	"github.com/kubently/kubently/internal/pkg/logger"
)

func main() {
	slogger := logger.StdLogger()

	cfg, err := executor.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load executor config: %v", err)
	}
	slogger.Info("kubently executor starting",
		"cluster_id", cfg.ClusterID,
		"coordinator", cfg.CoordinatorURL,
		"workers", cfg.Workers)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	exec, err := executor.New(cfg, slogger)
	if err != nil {
		log.Fatalf("failed to initialize executor: %v", err)
	}
	if err := exec.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("executor terminated: %v", err)
	}
	slogger.Info("executor stopped")
}
