// Package usecase orchestrates chat sessions: it owns the single
// in-flight query per session, feeds streamed deltas through the
// transcript reducer, persists every transition, and publishes the
// resulting events.
package usecase

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"chatrelay/internal/domain"
	"chatrelay/internal/transcript"
)

type inflightQuery struct {
	cancel context.CancelFunc
	done   chan struct{}
	// stopped flips when cancellation came from an explicit Stop, so
	// the stream goroutine emits "stopped" instead of "completed".
	stopped bool
	mu      sync.Mutex
}

func (q *inflightQuery) markStopped() {
	q.mu.Lock()
	q.stopped = true
	q.mu.Unlock()
	q.cancel()
}

func (q *inflightQuery) wasStopped() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stopped
}

// ChatService implements the host side of every chat operation.
type ChatService struct {
	sessions *SessionManager
	store    domain.TranscriptStore
	querier  domain.Querier
	reducer  *transcript.Reducer
	bus      domain.EventBus
	logger   *slog.Logger
	tracer   trace.Tracer

	inflightMu sync.Mutex
	inflight   map[string]*inflightQuery

	// sessionLocks holds one mutex per session id. Send, Stop and
	// Clear run under it, so at most one query is ever admitted per
	// session and displaced queries always drain before a new one
	// starts.
	sessionLocks sync.Map

	wg sync.WaitGroup
}

func NewChatService(
	sessions *SessionManager,
	store domain.TranscriptStore,
	querier domain.Querier,
	reducer *transcript.Reducer,
	bus domain.EventBus,
	logger *slog.Logger,
	tracer trace.Tracer,
) *ChatService {
	return &ChatService{
		sessions: sessions,
		store:    store,
		querier:  querier,
		reducer:  reducer,
		bus:      bus,
		logger:   logger,
		tracer:   tracer,
		inflight: make(map[string]*inflightQuery),
	}
}

// Send appends the user's message and starts a streaming query. It
// returns as soon as the stream is underway; completion is observed
// through stream events, not the response. An empty session id
// creates a new session. A query already running on the session is
// cancelled first.
func (s *ChatService) Send(ctx context.Context, sessionID, text string) (SessionInfo, error) {
	ctx, span := s.tracer.Start(ctx, "chat.send")
	defer span.End()

	var info SessionInfo
	if sessionID == "" {
		info = s.sessions.Create()
		sessionID = info.ID
		s.publish(ctx, domain.EventSessionCreated, sessionID, nil)
	} else {
		var ok bool
		info, ok = s.sessions.Get(sessionID)
		if !ok {
			// Adopt ids minted by earlier processes; the store is
			// the source of truth for transcripts.
			s.sessions.Touch(sessionID, 0)
			info, _ = s.sessions.Get(sessionID)
		}
	}
	span.SetAttributes(attribute.String("session_id", sessionID))

	unlock := s.lockSession(sessionID)
	defer unlock()

	s.cancelInflight(sessionID, false)

	history, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return info, domain.WrapOp("chat.send", err)
	}

	userMsg := domain.Message{
		Role: domain.RoleUser,
		Text: text,
		Meta: domain.Metadata{Timestamp: time.Now(), SessionID: sessionID},
	}
	history = append(history, userMsg)
	if err := s.persist(ctx, sessionID, history); err != nil {
		return info, domain.WrapOp("chat.send", err)
	}

	streamCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	q := &inflightQuery{cancel: cancel, done: make(chan struct{})}

	s.inflightMu.Lock()
	s.inflight[sessionID] = q
	s.inflightMu.Unlock()

	s.publish(ctx, domain.EventStreamStarted, sessionID, nil)

	s.wg.Add(1)
	go s.stream(streamCtx, sessionID, history, q)

	info, _ = s.sessions.Get(sessionID)
	return info, nil
}

// stream is the single writer for the session's transcript while the
// query runs: every delta is folded, persisted and published here, in
// arrival order.
func (s *ChatService) stream(ctx context.Context, sessionID string, history []domain.Message, q *inflightQuery) {
	defer s.wg.Done()
	defer close(q.done)
	defer s.clearInflight(sessionID, q)

	ctx, span := s.tracer.Start(ctx, "chat.stream",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	onDelta := func(raw domain.RawDelta) {
		if ctx.Err() != nil {
			return // cancellation observed, stop emitting
		}
		delta := transcript.NormalizeDelta(raw)
		next, err := s.reducer.Apply(history, delta)
		if err != nil {
			s.logger.Error("delta rejected", "session_id", sessionID, "error", err)
			return
		}
		history = next
		if err := s.persist(ctx, sessionID, history); err != nil {
			s.logger.Error("transcript persist failed", "session_id", sessionID, "error", err)
			return
		}
		s.publishDelta(ctx, sessionID, raw, len(history))
	}

	_, err := s.querier.Query(ctx, history, onDelta)

	switch {
	case q.wasStopped() || domain.IsCancellation(err) || ctx.Err() != nil:
		// User-initiated abort is not a failure and is never logged
		// as one. Deltas that arrived before the abort are already
		// folded in; the terminal "completed" event is suppressed.
		s.publish(ctx, domain.EventStreamStopped, sessionID, nil)
	case err != nil:
		s.logger.Error("model query failed",
			"session_id", sessionID,
			"model", s.querier.Name(),
			"code", string(domain.ErrorCodeOf(err)),
			"error", err)
		next, rerr := s.reducer.Apply(history, domain.Delta{Kind: domain.DeltaAssistantError, Text: err.Error()})
		if rerr == nil {
			history = next
			if perr := s.persist(context.WithoutCancel(ctx), sessionID, history); perr != nil {
				s.logger.Error("transcript persist failed", "session_id", sessionID, "error", perr)
			}
		}
		s.publish(ctx, domain.EventStreamError, sessionID, domain.StreamErrorPayload{Error: err.Error()})
	default:
		s.publish(ctx, domain.EventStreamCompleted, sessionID, nil)
	}
}

// Stop cancels the session's in-flight query. Reports whether there
// was anything to stop.
func (s *ChatService) Stop(ctx context.Context, sessionID string) bool {
	_, span := s.tracer.Start(ctx, "chat.stop",
		trace.WithAttributes(attribute.String("session_id", sessionID)))
	defer span.End()

	unlock := s.lockSession(sessionID)
	defer unlock()
	return s.cancelInflight(sessionID, true)
}

// History returns the session's transcript. Asking for a session
// nobody has ever seen is an error; an empty transcript on a known
// session is not.
func (s *ChatService) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	msgs, err := s.store.Get(ctx, sessionID)
	if err != nil {
		return nil, domain.WrapOp("history.get", err)
	}
	if msgs == nil {
		if _, known := s.sessions.Get(sessionID); !known {
			return nil, domain.NewDomainError("history.get", domain.ErrSessionNotFound, sessionID)
		}
	}
	return msgs, nil
}

// Clear wipes the session's transcript. Any in-flight query is
// cancelled first so its remaining deltas cannot resurrect cleared
// messages. The dispatcher broadcasts the cleared notification to
// views; this layer only mutates state.
func (s *ChatService) Clear(ctx context.Context, sessionID string) error {
	unlock := s.lockSession(sessionID)
	defer unlock()

	s.cancelInflight(sessionID, true)
	if err := s.store.Set(ctx, sessionID, nil); err != nil {
		return domain.WrapOp("history.clear", err)
	}
	s.sessions.Touch(sessionID, 0)
	return nil
}

// Sessions lists known sessions, most recently active first.
func (s *ChatService) Sessions(context.Context) []SessionInfo {
	return s.sessions.List()
}

// Close stops all in-flight queries and waits for their streams to
// settle. Call before tearing down transports so terminal events are
// published while views can still receive them.
func (s *ChatService) Close() {
	s.inflightMu.Lock()
	for _, q := range s.inflight {
		q.markStopped()
	}
	s.inflightMu.Unlock()
	s.wg.Wait()
}

// lockSession takes the session's mutex, creating it on first use.
func (s *ChatService) lockSession(sessionID string) func() {
	v, _ := s.sessionLocks.LoadOrStore(sessionID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// cancelInflight cancels the session's running query, if any, and
// waits for its stream goroutine to finish so transcript writes never
// interleave across queries. Callers hold the session lock.
func (s *ChatService) cancelInflight(sessionID string, explicit bool) bool {
	s.inflightMu.Lock()
	q, ok := s.inflight[sessionID]
	if ok {
		delete(s.inflight, sessionID)
	}
	s.inflightMu.Unlock()
	if !ok {
		return false
	}

	if explicit {
		q.markStopped()
	} else {
		q.cancel()
	}
	<-q.done
	return true
}

func (s *ChatService) clearInflight(sessionID string, q *inflightQuery) {
	s.inflightMu.Lock()
	if cur, ok := s.inflight[sessionID]; ok && cur == q {
		delete(s.inflight, sessionID)
	}
	s.inflightMu.Unlock()
}

func (s *ChatService) persist(ctx context.Context, sessionID string, history []domain.Message) error {
	if err := s.store.Set(ctx, sessionID, history); err != nil {
		return err
	}
	s.sessions.Touch(sessionID, len(history))
	s.publish(ctx, domain.EventTranscriptUpdated, sessionID, nil)
	return nil
}

func (s *ChatService) publish(ctx context.Context, t domain.EventType, sessionID string, payload any) {
	event := domain.Event{Type: t, Timestamp: time.Now(), SessionID: sessionID}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			s.logger.Error("event payload marshal failed", "event", string(t), "error", err)
			return
		}
		event.Payload = data
	}
	s.bus.Publish(ctx, event)
}

func (s *ChatService) publishDelta(ctx context.Context, sessionID string, raw domain.RawDelta, count int) {
	s.publish(ctx, domain.EventStreamDelta, sessionID, domain.StreamDeltaPayload{
		Delta:        raw,
		MessageCount: count,
	})
}
