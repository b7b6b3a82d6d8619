package repository

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kubently/kubently/internal/pkg/metrics"
)

// breaker guards short hot-path store calls. Blocking pops and pub/sub are
// deliberately outside it: a BRPOP timing out is normal operation, not a
// store failure.
type breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *slog.Logger
}

func newBreaker(name string, log *slog.Logger) *breaker {
	b := &breaker{log: log}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("state store breaker transition",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return b
}

// run executes fn through the breaker, mapping open-breaker rejections onto
// ErrStoreUnavailable so callers surface 503 without a round-trip attempt.
func (b *breaker) run(op string, fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	metrics.StateStoreFailuresTotal.WithLabelValues(op).Inc()
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrStoreUnavailable
	}
	return err
}
