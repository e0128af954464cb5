package model

import (
	"context"
	"fmt"
	"strings"
	"time"

	"chatrelay/internal/domain"
)

// LoopbackQuerier is a stand-in backend for local development and
// smoke tests: it echoes the last user message back word by word,
// with an optional per-word delay so streaming behavior is visible.
type LoopbackQuerier struct {
	Delay time.Duration
}

var _ domain.Querier = (*LoopbackQuerier)(nil)

func (q *LoopbackQuerier) Name() string { return "loopback" }

func (q *LoopbackQuerier) Query(ctx context.Context, history []domain.Message, onDelta domain.DeltaFunc) ([]domain.Message, error) {
	last := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == domain.RoleUser {
			last = history[i].Text
			break
		}
	}

	reply := fmt.Sprintf("You said: %s", last)
	for i, word := range strings.Fields(reply) {
		if err := ctx.Err(); err != nil {
			return history, err
		}
		if q.Delay > 0 {
			select {
			case <-ctx.Done():
				return history, ctx.Err()
			case <-time.After(q.Delay):
			}
		}
		text := word
		if i > 0 {
			text = " " + word
		}
		onDelta(domain.RawDelta{Kind: domain.DeltaAssistantText, Text: text})
	}

	final := append([]domain.Message{}, history...)
	final = append(final, domain.Message{
		Role: domain.RoleAssistant,
		Text: reply,
		Meta: domain.Metadata{Timestamp: time.Now()},
	})
	return final, nil
}
