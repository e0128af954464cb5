package eventbus

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"chatrelay/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType, session string) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now(), SessionID: session}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	got := 0
	bus.Subscribe(domain.EventTranscriptUpdated, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventTranscriptUpdated {
			got++
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventTranscriptUpdated, "s1"))
	bus.Publish(context.Background(), newEvent(domain.EventHistoryCleared, "s1"))

	if got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	got := 0
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got++
	})

	bus.Publish(context.Background(), newEvent(domain.EventStreamStarted, "s1"))
	bus.Publish(context.Background(), newEvent(domain.EventStreamCompleted, "s1"))

	if got != 2 {
		t.Fatalf("expected 2 deliveries, got %d", got)
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	got := 0
	unsub := bus.Subscribe(domain.EventTranscriptUpdated, func(_ context.Context, _ domain.Event) {
		got++
	})

	bus.Publish(context.Background(), newEvent(domain.EventTranscriptUpdated, "s1"))
	unsub()
	unsub() // second call must be a no-op
	bus.Publish(context.Background(), newEvent(domain.EventTranscriptUpdated, "s1"))

	if got != 1 {
		t.Fatalf("expected 1 delivery, got %d", got)
	}
}

func TestDeliveryPreservesPublishOrder(t *testing.T) {
	bus := newTestBus()

	var order []string
	bus.SubscribeAll(func(_ context.Context, e domain.Event) {
		order = append(order, e.SessionID)
	})

	for _, id := range []string{"a", "b", "c", "d"} {
		bus.Publish(context.Background(), newEvent(domain.EventStreamDelta, id))
	}

	want := "abcd"
	gotStr := ""
	for _, id := range order {
		gotStr += id
	}
	if gotStr != want {
		t.Fatalf("expected order %q, got %q", want, gotStr)
	}
}

func TestPanickingHandlerDoesNotStopOthers(t *testing.T) {
	bus := newTestBus()

	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		panic("bad listener")
	})
	got := 0
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got++
	})

	bus.Publish(context.Background(), newEvent(domain.EventStreamError, "s1"))

	if got != 1 {
		t.Fatalf("second subscriber not reached, got %d", got)
	}
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	bus := newTestBus()

	got := 0
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got++
	})

	bus.Close()
	bus.Close() // idempotent
	bus.Publish(context.Background(), newEvent(domain.EventTranscriptUpdated, "s1"))

	if got != 0 {
		t.Fatalf("expected no deliveries after close, got %d", got)
	}
}
