// Package audit records security-relevant decisions: authentication verdicts,
// executor-token lifecycle, session teardown, and rejected commands. Events go
// to the structured log and, best-effort, to a bounded ring buffer in the
// state store so operators can inspect recent decisions without log access.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Actions recorded in the trail.
const (
	ActionAuthDecision  = "auth_decision"
	ActionTokenCreated  = "agent_token_created"
	ActionTokenRevoked  = "agent_token_revoked"
	ActionSessionEnded  = "session_ended"
	ActionCommandReject = "command_rejected"
)

// Verdicts for auth decisions.
const (
	VerdictAccepted = "accepted"
	VerdictRejected = "rejected"
)

// Event is one audit record. Identity carries either the resolved caller
// identity or a truncated credential prefix; never a whole credential.
type Event struct {
	Time          string `json:"time"`
	Action        string `json:"action"`
	Method        string `json:"method,omitempty"` // jwt | api_key | executor_token
	Identity      string `json:"identity,omitempty"`
	Verdict       string `json:"verdict,omitempty"`
	RequestID     string `json:"request_id,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
	ClusterID     string `json:"cluster_id,omitempty"`
	Message       string `json:"message,omitempty"`
}

// Sink persists events. Implemented by the state-store repository as an
// LPUSH + LTRIM ring buffer.
type Sink interface {
	Append(ctx context.Context, event Event) error
}

// Trail fans events out to the structured log and the sink. A nil sink keeps
// the log-only behavior (used in tests and during store outages).
type Trail struct {
	sink Sink
	log  *slog.Logger
}

// New returns a Trail writing JSON events to stderr and appending to sink.
func New(sink Sink) *Trail {
	return &Trail{
		sink: sink,
		log:  slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
}

// Record stamps and emits one event. Sink errors are logged, never returned:
// an audit-persistence outage must not turn into a request failure.
func (t *Trail) Record(ctx context.Context, e Event) {
	e.Time = time.Now().UTC().Format(time.RFC3339Nano)
	t.log.Info("audit",
		"action", e.Action,
		"method", e.Method,
		"identity", e.Identity,
		"verdict", e.Verdict,
		"request_id", e.RequestID,
		"correlation_id", e.CorrelationID,
		"cluster_id", e.ClusterID,
		"message", e.Message,
	)
	if t.sink == nil {
		return
	}
	if err := t.sink.Append(ctx, e); err != nil {
		t.log.Warn("audit sink append failed", "error", err)
	}
}

// AuthDecision records one caller-verification verdict.
func (t *Trail) AuthDecision(ctx context.Context, method, identity, verdict, requestID, correlationID string) {
	t.Record(ctx, Event{
		Action:        ActionAuthDecision,
		Method:        method,
		Identity:      identity,
		Verdict:       verdict,
		RequestID:     requestID,
		CorrelationID: correlationID,
	})
}

// TokenLifecycle records executor-token creation or revocation.
func (t *Trail) TokenLifecycle(ctx context.Context, action, clusterID, identity, requestID string) {
	t.Record(ctx, Event{
		Action:    action,
		ClusterID: clusterID,
		Identity:  identity,
		RequestID: requestID,
	})
}
