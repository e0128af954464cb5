package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"chatrelay/internal/domain"
	"chatrelay/internal/protocol"
)

// ActionHandler services one operation key. params are the raw
// positional arguments from the request envelope; the returned value
// becomes the response envelope's value.
type ActionHandler func(ctx context.Context, view ViewInfo, params []json.RawMessage) (json.RawMessage, error)

// Dispatcher routes inbound envelopes to a fixed capability map.
// Handler failures become error envelopes; nothing a handler does can
// propagate into transport code.
type Dispatcher struct {
	handlers map[string]ActionHandler
	notify   map[string]string // operation key -> event key broadcast on success
	views    *ViewRegistry
	logger   *slog.Logger
}

func NewDispatcher(views *ViewRegistry, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		handlers: make(map[string]ActionHandler),
		notify:   make(map[string]string),
		views:    views,
		logger:   logger,
	}
}

// Register maps an operation key to its handler. Must be called
// before serving traffic; the map is fixed thereafter.
func (d *Dispatcher) Register(key string, handler ActionHandler) {
	d.handlers[key] = handler
}

// RegisterWithNotify additionally broadcasts an event to all views
// after the handler succeeds. Mutating operations use this so every
// view observes the change, not just the caller.
func (d *Dispatcher) RegisterWithNotify(key, eventKey string, handler ActionHandler) {
	d.handlers[key] = handler
	d.notify[key] = eventKey
}

// HandleRaw validates raw bytes and dispatches. Malformed input is
// logged and dropped; the host never crashes on unexpected frames.
func (d *Dispatcher) HandleRaw(ctx context.Context, view ViewInfo, transport ViewTransport, data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		d.logger.Warn("dropping malformed envelope", "view_id", view.ID, "error", err)
		return
	}
	d.Handle(ctx, view, transport, env)
}

// Handle dispatches a validated envelope.
func (d *Dispatcher) Handle(ctx context.Context, view ViewInfo, transport ViewTransport, env protocol.Envelope) {
	if env.Type != protocol.TypeRequest {
		// Responses, errors and events travel host-to-view only.
		d.logger.Warn("ignoring non-request envelope from view",
			"view_id", view.ID, "type", string(env.Type))
		return
	}

	handler, ok := d.handlers[env.Key]
	if !ok {
		d.logger.Warn("request for unknown operation", "view_id", view.ID, "key", env.Key)
		err := domain.NewDomainError("dispatch", domain.ErrRPCMethodNotFound, env.Key)
		d.reply(ctx, view, transport, protocol.NewError(env.ID, err.Error()))
		return
	}

	value, err := d.invoke(ctx, view, handler, env.Params)
	if err != nil {
		d.reply(ctx, view, transport, protocol.NewError(env.ID, err.Error()))
		return
	}

	resp, err := protocol.NewResponse(env.ID, value)
	if err != nil {
		d.logger.Error("response envelope build failed", "key", env.Key, "error", err)
		d.reply(ctx, view, transport, protocol.NewError(env.ID, "internal error: unencodable response"))
		return
	}
	d.reply(ctx, view, transport, resp)

	if eventKey, ok := d.notify[env.Key]; ok {
		params := make([]any, len(env.Params))
		for i, p := range env.Params {
			params[i] = p
		}
		d.views.Broadcast(ctx, eventKey, params...)
	}
}

// invoke runs the handler with panic containment. A panicking handler
// is reported to the caller like any other failure.
func (d *Dispatcher) invoke(ctx context.Context, view ViewInfo, handler ActionHandler, params []json.RawMessage) (value json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked", "view_id", view.ID, "panic", r)
			err = fmt.Errorf("internal error: %v", r)
		}
	}()
	return handler(ctx, view, params)
}

// reply sends the terminal response or error envelope. A send failure
// means the view went away mid-request: log it, never retry, never
// attempt a second envelope for the same id.
func (d *Dispatcher) reply(ctx context.Context, view ViewInfo, transport ViewTransport, env protocol.Envelope) {
	if err := transport.Send(ctx, env); err != nil {
		d.logger.Warn("reply delivery failed",
			"view_id", view.ID, "envelope_id", env.ID, "error", err)
	}
}
