// Package model holds the model-query collaborators: the circuit
// breaker guarding whatever backend answers queries, and the loopback
// querier used for local development.
package model

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"chatrelay/internal/domain"
)

// Default circuit breaker settings.
const (
	defaultMaxFailures uint32        = 5
	defaultTimeout     time.Duration = 30 * time.Second
	defaultInterval    time.Duration = 60 * time.Second
)

// BreakerConfig configures the circuit breaker behavior.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before the circuit opens.
	MaxFailures uint32 `yaml:"max_failures"`
	// Timeout is how long the circuit stays open before transitioning to half-open.
	Timeout time.Duration `yaml:"timeout"`
	// Interval is the cyclic period of the closed state for clearing failure counts.
	// If 0, failures never reset until the circuit opens.
	Interval time.Duration `yaml:"interval"`
}

// BreakerQuerier wraps a domain.Querier with circuit breaker
// protection. When the backend fails repeatedly, the circuit opens
// and new queries fail fast instead of piling up behind a dead model.
// Cancellation does not count as a failure; a user stopping a stream
// says nothing about backend health.
type BreakerQuerier struct {
	inner   domain.Querier
	breaker *gobreaker.CircuitBreaker[[]domain.Message]
	logger  *slog.Logger
}

var _ domain.Querier = (*BreakerQuerier)(nil)

func NewBreakerQuerier(inner domain.Querier, cfg BreakerConfig, logger *slog.Logger) *BreakerQuerier {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultInterval
	}

	cb := gobreaker.NewCircuitBreaker[[]domain.Message](gobreaker.Settings{
		Name:        "model:" + inner.Name(),
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsCancellation(err)
		},
	})

	return &BreakerQuerier{inner: inner, breaker: cb, logger: logger}
}

func (q *BreakerQuerier) Query(ctx context.Context, history []domain.Message, onDelta domain.DeltaFunc) ([]domain.Message, error) {
	out, err := q.breaker.Execute(func() ([]domain.Message, error) {
		return q.inner.Query(ctx, history, onDelta)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, fmt.Errorf("model %q circuit open: %w", q.inner.Name(), err)
		}
		return nil, err
	}
	return out, nil
}

func (q *BreakerQuerier) Name() string { return q.inner.Name() }

// State returns the current circuit state for monitoring.
func (q *BreakerQuerier) State() gobreaker.State {
	return q.breaker.State()
}
