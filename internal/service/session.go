// Package service implements the session and queue core on top of the
// repository. Handlers stay thin; everything with semantics lives here.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kubently/kubently/internal/models"
	"github.com/kubently/kubently/internal/pkg/audit"
	"github.com/kubently/kubently/internal/pkg/metrics"
	"github.com/kubently/kubently/internal/repository"
)

// SessionService owns the session / cluster-active-marker / reverse-mapping
// triple. All three keys travel together through the repository pipelines.
type SessionService struct {
	store      *repository.Store
	trail      *audit.Trail
	defaultTTL int
	log        *slog.Logger
}

// NewSessionService builds the service. defaultTTLSeconds applies when a
// create request carries no TTL.
func NewSessionService(store *repository.Store, trail *audit.Trail, defaultTTLSeconds int, log *slog.Logger) *SessionService {
	if defaultTTLSeconds == 0 {
		defaultTTLSeconds = models.DefaultSessionTTLSeconds
	}
	return &SessionService{store: store, trail: trail, defaultTTL: defaultTTLSeconds, log: log}
}

// Create allocates a session id and writes the triple with one shared TTL.
func (s *SessionService) Create(ctx context.Context, clusterID, userID, correlationID, serviceIdentity string, ttlSeconds int) (*models.Session, error) {
	if ttlSeconds == 0 {
		ttlSeconds = s.defaultTTL
	}
	now := time.Now().UTC()
	sess := &models.Session{
		SessionID:       uuid.New().String(),
		ClusterID:       clusterID,
		UserID:          userID,
		ServiceIdentity: serviceIdentity,
		CorrelationID:   correlationID,
		CreatedAt:       now,
		LastActivity:    now,
		TTLSeconds:      models.ClampSessionTTL(ttlSeconds),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	metrics.SessionsActive.Inc()
	return sess, nil
}

// Get returns the session, nil when absent or expired.
func (s *SessionService) Get(ctx context.Context, sessionID string) (*models.Session, error) {
	return s.store.GetSession(ctx, sessionID)
}

// IsClusterActive is the hot-path marker check.
func (s *SessionService) IsClusterActive(ctx context.Context, clusterID string) (bool, error) {
	return s.store.IsClusterActive(ctx, clusterID)
}

// KeepAlive records activity on the session and extends the whole triple with
// a fresh TTL. A missing session is not an error; the caller's session simply
// expired and it should create a new one.
func (s *SessionService) KeepAlive(ctx context.Context, sessionID string) (*models.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil || sess == nil {
		return nil, err
	}
	sess.Touch(time.Now().UTC())
	if err := s.store.RefreshSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("refresh session %s: %w", sessionID, err)
	}
	return sess, nil
}

// End deletes the triple and audits the teardown. Returns false when the
// session did not exist.
func (s *SessionService) End(ctx context.Context, sessionID string) (bool, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	if err := s.store.DeleteSession(ctx, sess); err != nil {
		return false, fmt.Errorf("delete session %s: %w", sessionID, err)
	}
	metrics.SessionsActive.Dec()
	s.trail.Record(ctx, audit.Event{
		Action:    audit.ActionSessionEnded,
		ClusterID: sess.ClusterID,
		Identity:  sess.UserID,
		Message:   "session ended after " + fmt.Sprint(sess.CommandCount) + " commands",
	})
	return true, nil
}

// CountActive returns the live-session count for health reporting.
func (s *SessionService) CountActive(ctx context.Context) (int64, error) {
	return s.store.CountLiveSessions(ctx)
}

// CleanupExpired drops live-set entries whose session records have expired.
// Returns how many stale ids were removed.
func (s *SessionService) CleanupExpired(ctx context.Context) (int, error) {
	ids, err := s.store.LiveSessionIDs(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, id := range ids {
		sess, err := s.store.GetSession(ctx, id)
		if err != nil {
			return removed, err
		}
		if sess == nil {
			if err := s.store.RemoveFromLiveSet(ctx, id); err != nil {
				return removed, err
			}
			metrics.SessionsActive.Dec()
			removed++
		}
	}
	return removed, nil
}

// Sweep runs CleanupExpired on the given cadence until ctx is canceled.
func (s *SessionService) Sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CleanupExpired(ctx); err != nil {
				s.log.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				s.log.Info("session sweep removed stale entries", "count", n)
			}
		}
	}
}
