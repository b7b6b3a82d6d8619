package models

import "time"

// Session TTL bounds in seconds.
const (
	DefaultSessionTTLSeconds = 300
	MinSessionTTLSeconds     = 60
	MaxSessionTTLSeconds     = 3600
)

// Session is a time-bounded debugging context owned by one caller against one
// cluster. While it exists, the cluster-active marker and the reverse mapping
// for its cluster carry the same TTL.
type Session struct {
	SessionID       string    `json:"session_id"`
	ClusterID       string    `json:"cluster_id"`
	UserID          string    `json:"user_id,omitempty"`
	ServiceIdentity string    `json:"service_identity,omitempty"`
	CorrelationID   string    `json:"correlation_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	LastActivity    time.Time `json:"last_activity"`
	CommandCount    int       `json:"command_count"`
	TTLSeconds      int       `json:"ttl_seconds"`
}

// TTL returns the session TTL clamped to the allowed range.
func (s *Session) TTL() time.Duration {
	return time.Duration(ClampSessionTTL(s.TTLSeconds)) * time.Second
}

// Touch records activity: bumps the command counter and the activity stamp.
func (s *Session) Touch(now time.Time) {
	s.LastActivity = now
	s.CommandCount++
}

// ClampSessionTTL normalizes a requested TTL into the allowed range,
// substituting the default for zero.
func ClampSessionTTL(seconds int) int {
	if seconds == 0 {
		return DefaultSessionTTLSeconds
	}
	if seconds < MinSessionTTLSeconds {
		return MinSessionTTLSeconds
	}
	if seconds > MaxSessionTTLSeconds {
		return MaxSessionTTLSeconds
	}
	return seconds
}
