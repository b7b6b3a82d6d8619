package executor

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kubently/kubently/internal/executor/whitelist"
	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/metrics"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// Reconnect backoff bounds for the stream receiver.
const (
	backoffMin = time.Second
	backoffMax = 60 * time.Second
)

// Executor ties the pieces together: stream receiver, whitelist reloader,
// worker pool, result reporting. One Executor per cluster.
type Executor struct {
	cfg    *Config
	client *Client
	runner *Runner
	loader *whitelist.Loader
	log    *slog.Logger

	dispatch chan models.Command
}

// New assembles the executor runtime.
func New(cfg *Config, log *slog.Logger) (*Executor, error) {
	runner, err := NewRunner(cfg.KubectlBin)
	if err != nil {
		return nil, err
	}
	client := NewClient(cfg.CoordinatorURL, cfg.ClusterID, cfg.ExecutorToken)
	loader := whitelist.NewLoader(cfg.WhitelistPath, log)
	client.SetAdvertisement(loader.Current().Mode, Version)
	return &Executor{
		cfg:      cfg,
		client:   client,
		runner:   runner,
		loader:   loader,
		log:      log,
		dispatch: make(chan models.Command),
	}, nil
}

// Run starts the reloader, the worker pool, and the receive loop, blocking
// until ctx is canceled.
func (e *Executor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.loader.Run(ctx, time.Duration(e.cfg.WhitelistReloadIntervalSeconds)*time.Second)
		return nil
	})

	// Bounded worker pool: one slow kubectl cannot block the next command.
	for i := 0; i < e.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				case cmd := <-e.dispatch:
					e.handle(ctx, &cmd)
				}
			}
		})
	}

	g.Go(func() error {
		e.receive(ctx)
		return nil
	})

	return g.Wait()
}

// receive is the stream receiver loop: SSE primary, long-poll fallback while
// disconnected, exponential backoff with jitter between reconnects.
func (e *Executor) receive(ctx context.Context) {
	backoff := backoffMin
	for ctx.Err() == nil {
		if e.consumeStream(ctx) {
			// The stream was established and then broke; start the backoff
			// ladder over.
			backoff = backoffMin
		}
		if ctx.Err() != nil {
			return
		}

		// Fallback long-poll bridges the gap until the next stream attempt.
		// The advertisement tracks whitelist reloads.
		e.client.SetAdvertisement(e.loader.Current().Mode, Version)
		wait := e.fallbackWait(ctx)
		cmds, err := e.client.PollCommands(ctx, wait)
		if err != nil {
			e.log.Warn("long-poll fallback failed", "error", err)
		}
		for _, cmd := range cmds {
			select {
			case e.dispatch <- cmd:
			case <-ctx.Done():
				return
			}
		}

		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)/2+1))
		e.log.Info("reconnecting stream", "backoff", sleep.String())
		select {
		case <-ctx.Done():
			return
		case <-time.After(sleep):
		}
		backoff *= 2
		if backoff > backoffMax {
			backoff = backoffMax
		}
	}
}

// consumeStream opens the SSE stream and dispatches command events until it
// breaks. Returns true when the stream was successfully established.
func (e *Executor) consumeStream(ctx context.Context) bool {
	events, err := e.client.Stream(ctx)
	if err != nil {
		e.log.Warn("stream open failed", "error", err)
		return false
	}
	e.log.Info("stream connected", "cluster_id", e.cfg.ClusterID)
	for {
		select {
		case <-ctx.Done():
			return true
		case ev, open := <-events:
			if !open {
				e.log.Warn("stream closed by coordinator")
				return true
			}
			switch ev.Kind {
			case "command":
				var cmd models.Command
				if err := json.Unmarshal(ev.Data, &cmd); err != nil {
					e.log.Warn("undecodable command event", "error", err)
					continue
				}
				select {
				case e.dispatch <- cmd:
				case <-ctx.Done():
					return true
				}
			case "connected", "ping":
				// Keepalive only.
			case "error":
				e.log.Warn("stream error event", "data", string(ev.Data))
			}
		}
	}
}

// fallbackWait picks the long-poll wait from cluster activity: short while a
// session is live, long otherwise.
func (e *Executor) fallbackWait(ctx context.Context) time.Duration {
	st, err := e.client.GetStatus(ctx)
	if err != nil {
		e.log.Warn("status check failed", "error", err)
		return time.Duration(e.cfg.IdlePollWaitSeconds) * time.Second
	}
	if st.IsActive {
		return time.Duration(e.cfg.ActivePollWaitSeconds) * time.Second
	}
	return time.Duration(e.cfg.IdlePollWaitSeconds) * time.Second
}

// handle takes one delivered command through validation, execution, and
// reporting. Every path posts exactly one result; a bad command can never
// crash the executor.
func (e *Executor) handle(ctx context.Context, cmd *models.Command) {
	snap := e.loader.Current()

	if err := snap.Validate(cmd.CommandType, cmd.Args); err != nil {
		e.log.Warn("command validation failed",
			"command_id", cmd.ID, "verb", cmd.CommandType, "reason", err.Error())
		metrics.WhitelistRejectionsTotal.WithLabelValues("validation").Inc()
		res := models.FailureResult(cmd.ID, "Command validation failed: "+err.Error(), 0)
		e.report(ctx, &res)
		return
	}

	timeout := time.Duration(snap.ClampTimeout(cmd.TimeoutSeconds)) * time.Second
	res := e.runner.Run(ctx, cmd, timeout)
	e.report(ctx, &res)
}

func (e *Executor) report(ctx context.Context, res *models.CommandResult) {
	if err := e.client.PostResult(ctx, res); err != nil {
		// The waiter will observe its own timeout; nothing more to do here.
		e.log.Warn("result post failed, dropping result",
			"command_id", res.CommandID, "error", err)
	}
}
