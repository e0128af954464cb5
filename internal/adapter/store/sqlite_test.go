package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/domain"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "transcripts.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleMessages() []domain.Message {
	return []domain.Message{
		{Role: domain.RoleUser, Text: "hi", Meta: domain.Metadata{Timestamp: time.Now().UTC(), SessionID: "s1"}},
		{
			Role: domain.RoleAssistant,
			Parts: []domain.Part{
				{Type: domain.PartText, Text: "Looking."},
				{Type: domain.PartToolCall, ToolCallID: "t1", ToolName: "search", Input: map[string]any{"q": "go"}},
			},
			Meta: domain.Metadata{Loading: true, EstimatedDuration: 5, ProgressPercentage: 0},
		},
	}
}

func TestSetGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "s1", sampleMessages()))

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, domain.RoleUser, got[0].Role)
	assert.Equal(t, "hi", got[0].Text)
	require.Len(t, got[1].Parts, 2)
	assert.Equal(t, domain.PartToolCall, got[1].Parts[1].Type)
	assert.Equal(t, "t1", got[1].Parts[1].ToolCallID)
	assert.True(t, got[1].Meta.Loading)
}

func TestGetUnknownSessionReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.Get(context.Background(), "missing")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetOverwrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "s1", sampleMessages()))
	require.NoError(t, s.Set(ctx, "s1", nil)) // clear

	got, err := s.Get(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "s1", sampleMessages()))
	require.NoError(t, s.Set(ctx, "s2", nil))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1", "s2"}, ids)
}

func TestSubscribeNotifiesOnSet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var got [][]domain.Message
	unsub := s.Subscribe("s1", func(msgs []domain.Message) {
		got = append(got, msgs)
	})

	require.NoError(t, s.Set(ctx, "s1", sampleMessages()))
	require.NoError(t, s.Set(ctx, "s2", sampleMessages())) // other session, no notify

	require.Len(t, got, 1)
	assert.Len(t, got[0], 2)

	unsub()
	require.NoError(t, s.Set(ctx, "s1", nil))
	assert.Len(t, got, 1, "unsubscribed listener must not fire")
}
