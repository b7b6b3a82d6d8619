// Package repository owns every interaction with the state store (a Redis
// protocol server). All durable state lives here: sessions, the cluster
// queues, results, tracking records, executor tokens, the audit ring buffer,
// and per-cluster counters. Coordinator processes are stateless peers on top.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/audit"
)

// TTLs and bounds for store-owned structures. Session and result TTLs are
// caller-supplied; these cover everything the store manages on its own.
const (
	QueueTTL    = 5 * time.Minute
	TrackingTTL = 60 * time.Second
	CounterTTL  = 24 * time.Hour

	auditRingMax     = 10000
	latencySamplesMax = 1000
)

// ErrStoreUnavailable marks hot-path failures that should surface as 503.
var ErrStoreUnavailable = errors.New("state store unavailable")

// Key builders. One scheme, used everywhere; never assemble keys inline.
func sessionKey(id string) string         { return "session:" + id }
func clusterActiveKey(c string) string    { return "cluster:active:" + c }
func clusterSessionKey(c string) string   { return "cluster:session:" + c }
func queueKey(c string) string            { return "queue:commands:" + c }
func resultKey(id string) string          { return "result:" + id }
func trackingKey(id string) string        { return "command:tracking:" + id }
func tokenKey(c string) string            { return "executor:token:" + c }
func metricKey(name, c string) string     { return "metrics:" + name + ":" + c }
func latencyKey(c string) string          { return "metrics:delivery_latency_ms:" + c }

const (
	activeSessionsKey = "sessions:active"
	auditRingKey      = "api:audit"
)

// ResultChannel names the pub/sub channel notified when a result for the
// given command id is stored.
func ResultChannel(commandID string) string { return "result:ready:" + commandID }

// CommandChannel names the pub/sub channel notified when a command is pushed
// onto the given cluster's queue.
func CommandChannel(clusterID string) string { return "executor:commands:" + clusterID }

// Store wraps the Redis client. Short hot-path operations route through a
// circuit breaker so a dead store turns into fast 503s instead of pile-ups;
// blocking pops and pub/sub bypass it.
type Store struct {
	rdb     *redis.Client
	breaker *breaker
	log     *slog.Logger
}

// New connects to the state store. URL forms: "redis://host:port/db" or a
// bare "host:port".
func New(url string, log *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 5 * time.Second
	opts.WriteTimeout = 5 * time.Second

	s := &Store{
		rdb:     redis.NewClient(opts),
		breaker: newBreaker("state-store", log),
		log:     log,
	}
	return s, nil
}

// NewFromClient wraps an existing client. Tests use this with miniredis.
func NewFromClient(rdb *redis.Client, log *slog.Logger) *Store {
	return &Store{rdb: rdb, breaker: newBreaker("state-store", log), log: log}
}

// Client exposes the underlying connection for the notifier.
func (s *Store) Client() *redis.Client { return s.rdb }

// Ping verifies store reachability (readiness probe).
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// --- Sessions -------------------------------------------------------------

// CreateSession writes the session record, the cluster-active marker, and the
// reverse mapping in one transaction, all with the session's TTL, and adds
// the id to the live-session set.
func (s *Store) CreateSession(ctx context.Context, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := sess.TTL()
	return s.breaker.run("create_session", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, sessionKey(sess.SessionID), payload, ttl)
		pipe.Set(ctx, clusterActiveKey(sess.ClusterID), sess.SessionID, ttl)
		pipe.Set(ctx, clusterSessionKey(sess.ClusterID), sess.SessionID, ttl)
		pipe.SAdd(ctx, activeSessionsKey, sess.SessionID)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// GetSession returns the session record, or nil when absent or expired.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	raw, err := s.rdb.Get(ctx, sessionKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sess models.Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", sessionID, err)
	}
	return &sess, nil
}

// RefreshSession rewrites the session with a fresh TTL and re-applies the
// same TTL to the marker and reverse mapping. The three extensions travel in
// one transaction so they appear together.
func (s *Store) RefreshSession(ctx context.Context, sess *models.Session) error {
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	ttl := sess.TTL()
	return s.breaker.run("refresh_session", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.Set(ctx, sessionKey(sess.SessionID), payload, ttl)
		pipe.Set(ctx, clusterActiveKey(sess.ClusterID), sess.SessionID, ttl)
		pipe.Set(ctx, clusterSessionKey(sess.ClusterID), sess.SessionID, ttl)
		_, err := pipe.Exec(ctx)
		return err
	})
}

// DeleteSession removes the session triple and the live-set membership.
func (s *Store) DeleteSession(ctx context.Context, sess *models.Session) error {
	pipe := s.rdb.TxPipeline()
	pipe.Del(ctx, sessionKey(sess.SessionID))
	pipe.Del(ctx, clusterActiveKey(sess.ClusterID))
	pipe.Del(ctx, clusterSessionKey(sess.ClusterID))
	pipe.SRem(ctx, activeSessionsKey, sess.SessionID)
	_, err := pipe.Exec(ctx)
	return err
}

// RemoveFromLiveSet drops a stale id discovered by the sweeper.
func (s *Store) RemoveFromLiveSet(ctx context.Context, sessionID string) error {
	return s.rdb.SRem(ctx, activeSessionsKey, sessionID).Err()
}

// LiveSessionIDs returns the contents of the live-session set, which may
// include ids whose records have since expired.
func (s *Store) LiveSessionIDs(ctx context.Context) ([]string, error) {
	return s.rdb.SMembers(ctx, activeSessionsKey).Result()
}

// CountLiveSessions returns the live-set cardinality.
func (s *Store) CountLiveSessions(ctx context.Context) (int64, error) {
	return s.rdb.SCard(ctx, activeSessionsKey).Result()
}

// IsClusterActive is the hot-path existence check on the cluster marker.
// Single round-trip; breaker-guarded.
func (s *Store) IsClusterActive(ctx context.Context, clusterID string) (bool, error) {
	var active bool
	err := s.breaker.run("is_cluster_active", func() error {
		n, err := s.rdb.Exists(ctx, clusterActiveKey(clusterID)).Result()
		if err != nil {
			return err
		}
		active = n > 0
		return nil
	})
	return active, err
}

// --- Command queue ---------------------------------------------------------

// PushCommand appends the command to its cluster queue (LPUSH), refreshes the
// queue's idle TTL, and writes the tracking record, all in one transaction.
// The pub/sub notification goes out afterwards, best-effort: pull paths do
// not depend on it.
func (s *Store) PushCommand(ctx context.Context, cmd *models.Command) error {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	tracking, err := json.Marshal(models.CommandTracking{
		ClusterID: cmd.ClusterID,
		QueuedAt:  cmd.QueuedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal tracking: %w", err)
	}
	if err := s.breaker.run("push_command", func() error {
		pipe := s.rdb.TxPipeline()
		pipe.LPush(ctx, queueKey(cmd.ClusterID), payload)
		pipe.Expire(ctx, queueKey(cmd.ClusterID), QueueTTL)
		pipe.Set(ctx, trackingKey(cmd.ID), tracking, TrackingTTL)
		_, err := pipe.Exec(ctx)
		return err
	}); err != nil {
		return err
	}
	if err := s.rdb.Publish(ctx, CommandChannel(cmd.ClusterID), cmd.ID).Err(); err != nil {
		s.log.Warn("command notification publish failed", "cluster_id", cmd.ClusterID, "error", err)
	}
	return nil
}

// PopCommand performs one blocking right-pop with the given wait. Returns
// nil on timeout. The atomic pop is what makes delivery at-most-once across
// racing stream and long-poll consumers.
func (s *Store) PopCommand(ctx context.Context, clusterID string, wait time.Duration) (*models.Command, error) {
	vals, err := s.rdb.BRPop(ctx, wait, queueKey(clusterID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(vals) != 2 {
		return nil, fmt.Errorf("unexpected BRPOP reply of %d elements", len(vals))
	}
	var cmd models.Command
	if err := json.Unmarshal([]byte(vals[1]), &cmd); err != nil {
		return nil, fmt.Errorf("unmarshal command: %w", err)
	}
	return &cmd, nil
}

// PopCommands performs up to max non-blocking right-pops, preserving FIFO
// order. Undecodable entries are dropped with a log line rather than jamming
// the queue.
func (s *Store) PopCommands(ctx context.Context, clusterID string, max int) ([]models.Command, error) {
	out := make([]models.Command, 0, max)
	for i := 0; i < max; i++ {
		raw, err := s.rdb.RPop(ctx, queueKey(clusterID)).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return out, err
		}
		var cmd models.Command
		if err := json.Unmarshal([]byte(raw), &cmd); err != nil {
			s.log.Warn("dropping undecodable queue entry", "cluster_id", clusterID, "error", err)
			continue
		}
		out = append(out, cmd)
	}
	return out, nil
}

// QueueDepth returns the cluster queue length.
func (s *Store) QueueDepth(ctx context.Context, clusterID string) (int64, error) {
	return s.rdb.LLen(ctx, queueKey(clusterID)).Result()
}

// --- Results ---------------------------------------------------------------

// StoreResult writes the result under its key with the given TTL, first
// writer wins (SETNX), then notifies waiters on the per-id channel. The bool
// reports whether this call performed the write.
func (s *Store) StoreResult(ctx context.Context, res *models.CommandResult, ttl time.Duration) (bool, error) {
	payload, err := json.Marshal(res)
	if err != nil {
		return false, fmt.Errorf("marshal result: %w", err)
	}
	var stored bool
	if err := s.breaker.run("store_result", func() error {
		ok, err := s.rdb.SetNX(ctx, resultKey(res.CommandID), payload, ttl).Result()
		if err != nil {
			return err
		}
		stored = ok
		return nil
	}); err != nil {
		return false, err
	}
	if stored {
		if err := s.rdb.Publish(ctx, ResultChannel(res.CommandID), "ready").Err(); err != nil {
			s.log.Warn("result notification publish failed", "command_id", res.CommandID, "error", err)
		}
	}
	return stored, nil
}

// GetResult returns the stored result, or nil when absent or expired.
func (s *Store) GetResult(ctx context.Context, commandID string) (*models.CommandResult, error) {
	raw, err := s.rdb.Get(ctx, resultKey(commandID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var res models.CommandResult
	if err := json.Unmarshal([]byte(raw), &res); err != nil {
		return nil, fmt.Errorf("unmarshal result %s: %w", commandID, err)
	}
	return &res, nil
}

// GetTracking returns the command tracking record, or nil when expired.
func (s *Store) GetTracking(ctx context.Context, commandID string) (*models.CommandTracking, error) {
	raw, err := s.rdb.Get(ctx, trackingKey(commandID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var tr models.CommandTracking
	if err := json.Unmarshal([]byte(raw), &tr); err != nil {
		return nil, fmt.Errorf("unmarshal tracking %s: %w", commandID, err)
	}
	return &tr, nil
}

// --- Executor tokens --------------------------------------------------------

// SetExecutorToken stores the token unconditionally (rotation path).
func (s *Store) SetExecutorToken(ctx context.Context, clusterID, token string) error {
	return s.rdb.Set(ctx, tokenKey(clusterID), token, 0).Err()
}

// SetExecutorTokenNX stores the token only when none exists. Returns false
// when a token is already present.
func (s *Store) SetExecutorTokenNX(ctx context.Context, clusterID, token string) (bool, error) {
	return s.rdb.SetNX(ctx, tokenKey(clusterID), token, 0).Result()
}

// GetExecutorToken returns the stored token, or "" when none exists.
func (s *Store) GetExecutorToken(ctx context.Context, clusterID string) (string, error) {
	tok, err := s.rdb.Get(ctx, tokenKey(clusterID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return tok, err
}

// ListClusterIDs returns every cluster id that has an executor token,
// sorted. This is the registry the /debug/clusters listing is built from.
func (s *Store) ListClusterIDs(ctx context.Context) ([]string, error) {
	const prefix = "executor:token:"
	var (
		ids    []string
		cursor uint64
	)
	for {
		keys, next, err := s.rdb.Scan(ctx, cursor, prefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range keys {
			ids = append(ids, strings.TrimPrefix(k, prefix))
		}
		if next == 0 {
			break
		}
		cursor = next
	}
	sort.Strings(ids)
	return ids, nil
}

// DeleteExecutorToken removes the token; false when none existed.
func (s *Store) DeleteExecutorToken(ctx context.Context, clusterID string) (bool, error) {
	n, err := s.rdb.Del(ctx, tokenKey(clusterID)).Result()
	return n > 0, err
}

// --- Audit ring buffer -------------------------------------------------------

// Append implements audit.Sink: LPUSH the event, trim the ring to its cap.
func (s *Store) Append(ctx context.Context, event audit.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, auditRingKey, payload)
	pipe.LTrim(ctx, auditRingKey, 0, auditRingMax-1)
	_, err = pipe.Exec(ctx)
	return err
}

// RecentAuditEvents returns up to n most recent audit records, newest first.
func (s *Store) RecentAuditEvents(ctx context.Context, n int64) ([]audit.Event, error) {
	raws, err := s.rdb.LRange(ctx, auditRingKey, 0, n-1).Result()
	if err != nil {
		return nil, err
	}
	events := make([]audit.Event, 0, len(raws))
	for _, raw := range raws {
		var e audit.Event
		if err := json.Unmarshal([]byte(raw), &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

// --- Counters and latency samples --------------------------------------------

// IncrCounter bumps metrics:{name}:{cluster} and refreshes its 1-day TTL.
func (s *Store) IncrCounter(ctx context.Context, name, clusterID string) error {
	pipe := s.rdb.TxPipeline()
	pipe.Incr(ctx, metricKey(name, clusterID))
	pipe.Expire(ctx, metricKey(name, clusterID), CounterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// GetCounter reads a counter; 0 when absent.
func (s *Store) GetCounter(ctx context.Context, name, clusterID string) (int64, error) {
	raw, err := s.rdb.Get(ctx, metricKey(name, clusterID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return raw, err
}

// RecordLatencySample appends one delivery-latency sample (milliseconds) and
// trims the list to its bound.
func (s *Store) RecordLatencySample(ctx context.Context, clusterID string, d time.Duration) error {
	pipe := s.rdb.TxPipeline()
	pipe.LPush(ctx, latencyKey(clusterID), d.Milliseconds())
	pipe.LTrim(ctx, latencyKey(clusterID), 0, latencySamplesMax-1)
	pipe.Expire(ctx, latencyKey(clusterID), CounterTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// LatencySamples returns the recorded samples, newest first.
func (s *Store) LatencySamples(ctx context.Context, clusterID string) ([]int64, error) {
	raws, err := s.rdb.LRange(ctx, latencyKey(clusterID), 0, latencySamplesMax-1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]int64, 0, len(raws))
	for _, raw := range raws {
		var v int64
		if _, err := fmt.Sscan(raw, &v); err == nil {
			out = append(out, v)
		}
	}
	return out, nil
}

// Publish sends a raw notification. Used by tests and the service layer.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	return s.rdb.Publish(ctx, channel, payload).Err()
}
