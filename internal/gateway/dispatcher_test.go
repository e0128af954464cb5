package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/protocol"
)

func newTestDispatcher() (*Dispatcher, *ViewRegistry) {
	vr := NewViewRegistry(slog.Default())
	return NewDispatcher(vr, slog.Default()), vr
}

func request(id, key string, params ...any) protocol.Envelope {
	env, err := protocol.NewRequest(id, key, nil, params...)
	if err != nil {
		panic(err)
	}
	return env
}

func TestDispatchSuccess(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register("echo", func(_ context.Context, _ ViewInfo, params []json.RawMessage) (json.RawMessage, error) {
		return params[0], nil
	})

	caller := &fakeTransport{}
	d.Handle(context.Background(), view("v1"), caller, request("r1", "echo", "hi"))

	require.Equal(t, 1, caller.count())
	resp := caller.received[0]
	assert.Equal(t, protocol.TypeResponse, resp.Type)
	assert.Equal(t, "r1", resp.ID)
	assert.JSONEq(t, `"hi"`, string(resp.Value))
}

func TestDispatchHandlerErrorBecomesErrorEnvelope(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register("fail", func(context.Context, ViewInfo, []json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("storage unavailable")
	})

	caller := &fakeTransport{}
	d.Handle(context.Background(), view("v1"), caller, request("r1", "fail"))

	require.Equal(t, 1, caller.count())
	env := caller.received[0]
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Equal(t, "r1", env.ID)
	assert.Equal(t, "storage unavailable", env.ErrorMessage())
}

func TestDispatchHandlerPanicIsContained(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register("boom", func(context.Context, ViewInfo, []json.RawMessage) (json.RawMessage, error) {
		panic("handler bug")
	})

	caller := &fakeTransport{}
	d.Handle(context.Background(), view("v1"), caller, request("r1", "boom"))

	require.Equal(t, 1, caller.count())
	env := caller.received[0]
	assert.Equal(t, protocol.TypeError, env.Type)
	assert.Contains(t, env.ErrorMessage(), "handler bug")
}

func TestDispatchUnknownOperation(t *testing.T) {
	d, _ := newTestDispatcher()

	caller := &fakeTransport{}
	d.Handle(context.Background(), view("v1"), caller, request("r1", "no.such.op"))

	require.Equal(t, 1, caller.count())
	assert.Equal(t, protocol.TypeError, caller.received[0].Type)
}

func TestDispatchMalformedIsDropped(t *testing.T) {
	d, _ := newTestDispatcher()

	caller := &fakeTransport{}
	for _, raw := range [][]byte{
		[]byte(`not json`),
		[]byte(`{"type":"teleport","id":"r1"}`),
		[]byte(`{"type":"request"}`), // missing id and key
	} {
		d.HandleRaw(context.Background(), view("v1"), caller, raw)
	}

	assert.Equal(t, 0, caller.count(), "malformed input must be dropped, never answered")
}

func TestDispatchIgnoresNonRequestEnvelopes(t *testing.T) {
	d, _ := newTestDispatcher()
	called := false
	d.Register("op", func(context.Context, ViewInfo, []json.RawMessage) (json.RawMessage, error) {
		called = true
		return nil, nil
	})

	caller := &fakeTransport{}
	resp, err := protocol.NewResponse("r1", "value")
	require.NoError(t, err)
	d.Handle(context.Background(), view("v1"), caller, resp)

	assert.False(t, called)
	assert.Equal(t, 0, caller.count())
}

func TestDualNotificationBroadcastsAfterSuccess(t *testing.T) {
	d, vr := newTestDispatcher()
	d.RegisterWithNotify("history.clear", "history.cleared", func(context.Context, ViewInfo, []json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`{"cleared":true}`), nil
	})

	caller := &fakeTransport{}
	other := &fakeTransport{}
	vr.Register(view("caller"), caller)
	vr.Register(view("other"), other)

	d.Handle(context.Background(), view("caller"), caller, request("r1", "history.clear", "s1"))

	// Caller gets the response plus the broadcast; the other view
	// gets only the broadcast.
	require.Equal(t, 2, caller.count())
	assert.Equal(t, protocol.TypeResponse, caller.received[0].Type)
	assert.Equal(t, protocol.TypeEvent, caller.received[1].Type)
	assert.Equal(t, "history.cleared", caller.received[1].Key)

	require.Equal(t, 1, other.count())
	assert.Equal(t, "history.cleared", other.received[0].Key)
	assert.JSONEq(t, `"s1"`, string(other.received[0].Params[0]))
}

func TestDualNotificationSkippedOnFailure(t *testing.T) {
	d, vr := newTestDispatcher()
	d.RegisterWithNotify("history.clear", "history.cleared", func(context.Context, ViewInfo, []json.RawMessage) (json.RawMessage, error) {
		return nil, errors.New("store locked")
	})

	other := &fakeTransport{}
	vr.Register(view("other"), other)

	caller := &fakeTransport{}
	d.Handle(context.Background(), view("caller"), caller, request("r1", "history.clear", "s1"))

	require.Equal(t, 1, caller.count())
	assert.Equal(t, protocol.TypeError, caller.received[0].Type)
	assert.Equal(t, 0, other.count(), "failed mutation must not notify views")
}

func TestReplySendFailureIsLoggedNotRetried(t *testing.T) {
	d, _ := newTestDispatcher()
	d.Register("op", func(context.Context, ViewInfo, []json.RawMessage) (json.RawMessage, error) {
		return json.RawMessage(`1`), nil
	})

	caller := &fakeTransport{fail: errors.New("connection reset")}
	// Must not panic and must not attempt a second envelope.
	d.Handle(context.Background(), view("v1"), caller, request("r1", "op"))
	assert.Equal(t, 0, caller.count())
}
