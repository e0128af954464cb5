package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"chatrelay/internal/adapter/model"
	"chatrelay/internal/domain"
	"chatrelay/internal/eventbus"
	"chatrelay/internal/rpc"
	"chatrelay/internal/transcript"
	"chatrelay/internal/usecase"
)

// serverMemStore is an in-memory TranscriptStore for gateway tests.
type serverMemStore struct {
	mu   sync.Mutex
	data map[string][]domain.Message
}

func (m *serverMemStore) Get(_ context.Context, id string) ([]domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msgs, ok := m.data[id]
	if !ok {
		return nil, nil
	}
	cp := make([]domain.Message, len(msgs))
	copy(cp, msgs)
	return cp, nil
}

func (m *serverMemStore) Set(_ context.Context, id string, msgs []domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]domain.Message, len(msgs))
	copy(cp, msgs)
	m.data[id] = cp
	return nil
}

func (m *serverMemStore) List(context.Context) ([]string, error) { return nil, nil }
func (m *serverMemStore) Subscribe(string, func([]domain.Message)) func() {
	return func() {}
}
func (m *serverMemStore) Close() error { return nil }

// startTestServer boots a full host on a random port and returns its
// websocket URL.
func startTestServer(t *testing.T) (string, *Server) {
	t.Helper()
	log := slog.Default()

	bus := eventbus.New(log)
	sessions := usecase.NewSessionManager()
	chat := usecase.NewChatService(
		sessions,
		&serverMemStore{data: make(map[string][]domain.Message)},
		&model.LoopbackQuerier{},
		transcript.NewReducer(log),
		bus,
		log,
		noop.NewTracerProvider().Tracer("test"),
	)
	t.Cleanup(chat.Close)

	views := NewViewRegistry(log)
	dispatcher := NewDispatcher(views, log)
	RegisterDefaultHandlers(dispatcher, HandlerDeps{Chat: chat, Sessions: sessions, Bus: bus, Logger: log})

	srv := NewServer(views, dispatcher, bus, "127.0.0.1:0", log)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = srv.Start(ctx)
	}()

	require.Eventually(t, func() bool { return srv.BoundAddr() != "" }, 2*time.Second, 5*time.Millisecond)
	return "ws://" + srv.BoundAddr() + "/ws?view_id=test-view&view_type=panel", srv
}

func TestEndToEndChatRoundTrip(t *testing.T) {
	url, srv := startTestServer(t)

	var (
		mu     sync.Mutex
		events []string
	)
	client, closeClient, err := rpc.Dial(context.Background(), url, rpc.ClientOptions{
		ViewID:   "test-view",
		ViewType: "panel",
		OnEvent: func(key string, _ []json.RawMessage) {
			mu.Lock()
			events = append(events, key)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	defer closeClient()

	require.NoError(t, client.Ready(context.Background()))
	require.Eventually(t, func() bool { return srv.views.Count() == 1 }, 2*time.Second, 5*time.Millisecond)

	info, err := client.SendChat(context.Background(), "", "hello host")
	require.NoError(t, err)
	require.NotEmpty(t, info.ID)

	sawEvent := func(key string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, k := range events {
				if k == key {
					return true
				}
			}
			return false
		}
	}
	require.Eventually(t, sawEvent(string(domain.EventStreamCompleted)), 5*time.Second, 10*time.Millisecond)
	assert.True(t, sawEvent(string(domain.EventStreamDelta))())
	assert.True(t, sawEvent(string(domain.EventTranscriptUpdated))())

	msgs, err := client.History(context.Background(), info.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, domain.RoleUser, msgs[0].Role)
	assert.Equal(t, "hello host", msgs[0].Text)
	assert.Equal(t, domain.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "You said: hello host", msgs[1].Text)

	// history.clear settles and reaches the caller as a broadcast too.
	require.NoError(t, client.ClearHistory(context.Background(), info.ID))
	require.Eventually(t, sawEvent(string(domain.EventHistoryCleared)), 2*time.Second, 10*time.Millisecond)

	msgs, err = client.History(context.Background(), info.ID)
	require.NoError(t, err)
	assert.Empty(t, msgs)

	sessions, err := client.Sessions(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, info.ID, sessions[0].ID)
}

func TestEndToEndUnknownOperation(t *testing.T) {
	url, _ := startTestServer(t)

	client, closeClient, err := rpc.Dial(context.Background(), url, rpc.ClientOptions{})
	require.NoError(t, err)
	defer closeClient()

	_, err = client.Call(context.Background(), "no.such.op")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no.such.op")
}
