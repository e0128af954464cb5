package model

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

type flakyQuerier struct {
	err   error
	calls int
}

func (f *flakyQuerier) Name() string { return "flaky" }

func (f *flakyQuerier) Query(_ context.Context, history []domain.Message, _ domain.DeltaFunc) ([]domain.Message, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return history, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyQuerier{err: errors.New("backend down")}
	q := NewBreakerQuerier(inner, BreakerConfig{MaxFailures: 3}, slog.Default())

	for i := 0; i < 3; i++ {
		_, err := q.Query(context.Background(), nil, nil)
		require.Error(t, err)
	}
	require.Equal(t, gobreaker.StateOpen, q.State())

	// Open circuit fails fast without reaching the backend.
	before := inner.calls
	_, err := q.Query(context.Background(), nil, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, before, inner.calls)
}

func TestBreakerIgnoresCancellation(t *testing.T) {
	inner := &flakyQuerier{err: context.Canceled}
	q := NewBreakerQuerier(inner, BreakerConfig{MaxFailures: 2}, slog.Default())

	for i := 0; i < 5; i++ {
		_, err := q.Query(context.Background(), nil, nil)
		require.Error(t, err)
	}
	assert.Equal(t, gobreaker.StateClosed, q.State(), "user aborts must not trip the breaker")
}

func TestBreakerPassesThroughSuccess(t *testing.T) {
	inner := &flakyQuerier{}
	q := NewBreakerQuerier(inner, BreakerConfig{}, slog.Default())

	history := []domain.Message{{Role: domain.RoleUser, Text: "hi"}}
	out, err := q.Query(context.Background(), history, nil)
	require.NoError(t, err)
	assert.Equal(t, history, out)
	assert.Equal(t, "flaky", q.Name())
}
