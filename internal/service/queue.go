package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/metrics"
	"github.com/kubently/kubently/internal/repository"
)

// Store-side counter names (metrics:{name}:{cluster}).
const (
	CounterQueued    = "commands_queued"
	CounterDelivered = "commands_delivered"
	CounterSucceeded = "commands_succeeded"
	CounterFailed    = "commands_failed"
	CounterTimeout   = "commands_timeout"
)

// Result-wait backoff bounds. The per-id notification usually wakes the
// waiter first; the backoff only covers a lost edge.
const (
	resultWaitInitial = 100 * time.Millisecond
	resultWaitFactor  = 1.5
	resultWaitMax     = time.Second
)

// QueueService implements command push/pull and the result rendezvous.
type QueueService struct {
	store     *repository.Store
	notifier  *repository.Notifier
	resultTTL time.Duration
	maxFetch  int
	log       *slog.Logger
}

// NewQueueService builds the service. maxFetch bounds wait=0 batch pulls.
func NewQueueService(store *repository.Store, notifier *repository.Notifier, resultTTL time.Duration, maxFetch int, log *slog.Logger) *QueueService {
	if maxFetch <= 0 {
		maxFetch = 10
	}
	if resultTTL <= 0 {
		resultTTL = 60 * time.Second
	}
	return &QueueService{store: store, notifier: notifier, resultTTL: resultTTL, maxFetch: maxFetch, log: log}
}

// Push assigns an id when absent, stamps queued_at, and enqueues the command
// onto its cluster queue. Returns the command id.
func (q *QueueService) Push(ctx context.Context, cmd *models.Command) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	cmd.QueuedAt = time.Now().UTC()
	if err := q.store.PushCommand(ctx, cmd); err != nil {
		return "", fmt.Errorf("push command: %w", err)
	}
	metrics.CommandsQueuedTotal.WithLabelValues(cmd.ClusterID).Inc()
	if err := q.store.IncrCounter(ctx, CounterQueued, cmd.ClusterID); err != nil {
		q.log.Warn("counter update failed", "counter", CounterQueued, "error", err)
	}
	return cmd.ID, nil
}

// Pull fetches commands for a cluster. wait > 0 performs one blocking pop
// with that timeout (0 or 1 commands); wait == 0 performs a non-blocking
// batch pop. Either way the atomic pop makes delivery at-most-once.
func (q *QueueService) Pull(ctx context.Context, clusterID string, wait time.Duration) ([]models.Command, error) {
	var cmds []models.Command
	if wait > 0 {
		cmd, err := q.store.PopCommand(ctx, clusterID, wait)
		if err != nil {
			return nil, err
		}
		if cmd != nil {
			cmds = []models.Command{*cmd}
		}
	} else {
		var err error
		cmds, err = q.store.PopCommands(ctx, clusterID, q.maxFetch)
		if err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	for i := range cmds {
		metrics.CommandsDeliveredTotal.WithLabelValues(clusterID).Inc()
		if lat := now.Sub(cmds[i].QueuedAt); lat >= 0 {
			metrics.DeliveryLatencySeconds.WithLabelValues(clusterID).Observe(lat.Seconds())
			if err := q.store.RecordLatencySample(ctx, clusterID, lat); err != nil {
				q.log.Warn("latency sample write failed", "error", err)
			}
		}
		if err := q.store.IncrCounter(ctx, CounterDelivered, clusterID); err != nil {
			q.log.Warn("counter update failed", "counter", CounterDelivered, "error", err)
		}
	}
	return cmds, nil
}

// QueueDepth returns the cluster queue length.
func (q *QueueService) QueueDepth(ctx context.Context, clusterID string) (int64, error) {
	return q.store.QueueDepth(ctx, clusterID)
}

// StoreResult persists the result (first writer wins) and notifies waiters.
// Returns false when the tracking record has already expired, which the
// handler surfaces as 404.
func (q *QueueService) StoreResult(ctx context.Context, res *models.CommandResult) (bool, error) {
	tracking, err := q.store.GetTracking(ctx, res.CommandID)
	if err != nil {
		return false, err
	}
	if tracking == nil {
		return false, nil
	}
	res.StoredAt = time.Now().UTC()
	stored, err := q.store.StoreResult(ctx, res, q.resultTTL)
	if err != nil {
		return false, fmt.Errorf("store result: %w", err)
	}
	if !stored {
		// A result for this id already exists; the duplicate write is dropped
		// and readers keep seeing the original bytes.
		q.log.Warn("duplicate result write ignored", "command_id", res.CommandID)
		return true, nil
	}

	counter, outcome := CounterSucceeded, "success"
	if !res.Success {
		counter, outcome = CounterFailed, "failure"
		if res.Error != nil && isTimeoutMessage(*res.Error) {
			counter, outcome = CounterTimeout, "timeout"
		}
	}
	metrics.CommandResultsTotal.WithLabelValues(tracking.ClusterID, outcome).Inc()
	if err := q.store.IncrCounter(ctx, counter, tracking.ClusterID); err != nil {
		q.log.Warn("counter update failed", "counter", counter, "error", err)
	}
	return true, nil
}

// GetResult reads a stored result without waiting. Nil when absent.
func (q *QueueService) GetResult(ctx context.Context, commandID string) (*models.CommandResult, error) {
	return q.store.GetResult(ctx, commandID)
}

// GetTracking exposes the tracking record for the operations endpoint.
func (q *QueueService) GetTracking(ctx context.Context, commandID string) (*models.CommandTracking, error) {
	return q.store.GetTracking(ctx, commandID)
}

// WaitForResult blocks until the result for commandID is stored or the
// timeout elapses, returning nil on timeout. The subscription is registered
// before the final existence re-check so a result stored between the first
// check and the subscribe cannot be missed. Multiple waiters for the same id
// all read the same key.
func (q *QueueService) WaitForResult(ctx context.Context, commandID string, timeout time.Duration) (*models.CommandResult, error) {
	if res, err := q.store.GetResult(ctx, commandID); err != nil || res != nil {
		return res, err
	}

	notify, cancel, err := q.notifier.Subscribe(ctx, repository.ResultChannel(commandID))
	if err != nil {
		return nil, fmt.Errorf("subscribe result channel: %w", err)
	}
	defer cancel()

	// Close the subscribe race.
	if res, err := q.store.GetResult(ctx, commandID); err != nil || res != nil {
		return res, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	backoff := resultWaitInitial
	for {
		wake := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			wake.Stop()
			return nil, ctx.Err()
		case <-deadline.C:
			wake.Stop()
			return nil, nil
		case <-notify:
			wake.Stop()
		case <-wake.C:
		}
		if res, err := q.store.GetResult(ctx, commandID); err != nil || res != nil {
			return res, err
		}
		backoff = time.Duration(float64(backoff) * resultWaitFactor)
		if backoff > resultWaitMax {
			backoff = resultWaitMax
		}
	}
}

func isTimeoutMessage(msg string) bool {
	return msg == "timeout" || strings.Contains(msg, "timed out")
}
