package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chatrelay/internal/domain"
	"chatrelay/internal/protocol"
)

// Transport sends envelopes to the host.
type Transport interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// EventFunc receives event envelopes pushed by the host.
type EventFunc func(key string, params []json.RawMessage)

// Operation keys exposed by the host.
const (
	OpChatSend     = "chat.send"
	OpChatStop     = "chat.stop"
	OpHistoryGet   = "history.get"
	OpHistoryClear = "history.clear"
	OpSessionList  = "session.list"
	OpViewReady    = "view.ready"
)

// DefaultTimeouts is the declared per-operation timeout policy. A value of 0
// disables the timer: chat.send completes via stream events rather than its
// response, and mutations settle through their broadcast.
func DefaultTimeouts() map[string]time.Duration {
	return map[string]time.Duration{
		OpChatSend:     0,
		OpChatStop:     0,
		OpHistoryClear: 0,
		OpHistoryGet:   30 * time.Second,
		OpSessionList:  30 * time.Second,
		OpViewReady:    10 * time.Second,
	}
}

// Client is the caller-side stub: it issues correlated requests over a
// transport and settles them from inbound response/error envelopes.
type Client struct {
	reg       *Registry
	transport Transport
	viewID    string
	viewType  string
	onEvent   EventFunc
	logger    *slog.Logger
}

// ClientOptions configures a Client.
type ClientOptions struct {
	ViewID        string
	ViewType      string
	Timeouts      map[string]time.Duration // nil = DefaultTimeouts()
	SweepInterval time.Duration
	OnEvent       EventFunc
	Logger        *slog.Logger
}

// NewClient creates a client stub over an already-connected transport.
func NewClient(transport Transport, opts ClientOptions) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	timeouts := opts.Timeouts
	if timeouts == nil {
		timeouts = DefaultTimeouts()
	}
	return &Client{
		reg:       NewRegistry(timeouts, 30*time.Second, opts.SweepInterval, opts.Logger),
		transport: transport,
		viewID:    opts.ViewID,
		viewType:  opts.ViewType,
		onEvent:   opts.OnEvent,
		logger:    opts.Logger,
	}
}

// Call issues a correlated request and blocks until settlement, context
// cancellation, or the operation's timeout.
func (c *Client) Call(ctx context.Context, key string, params ...any) (json.RawMessage, error) {
	id := NewCorrelationID()
	env, err := protocol.NewRequest(id, key, c.requestContext(), params...)
	if err != nil {
		return nil, err
	}

	done, err := c.reg.Track(id, key)
	if err != nil {
		return nil, err
	}

	if err := c.transport.Send(ctx, env); err != nil {
		c.reg.Reject(id, domain.WrapOp("Client.Call send", err))
	}

	select {
	case <-ctx.Done():
		c.reg.Reject(id, ctx.Err())
		return nil, ctx.Err()
	case out := <-done:
		return out.value, out.err
	}
}

// HandleInbound settles pending requests from response/error envelopes and
// forwards events to the registered handler. Envelope kinds a caller never
// receives are logged and dropped.
func (c *Client) HandleInbound(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeResponse:
		if !c.reg.Resolve(env.ID, env.Value) {
			c.logger.Debug("response for settled request dropped", "id", env.ID)
		}
	case protocol.TypeError:
		err := fmt.Errorf("remote: %s", env.ErrorMessage())
		if !c.reg.Reject(env.ID, err) {
			c.logger.Debug("error for settled request dropped", "id", env.ID)
		}
	case protocol.TypeEvent:
		if c.onEvent != nil {
			c.onEvent(env.Key, env.Params)
		}
	default:
		c.logger.Warn("unexpected envelope on caller side", "type", string(env.Type))
	}
}

// Close rejects all outstanding requests. Call before closing the underlying
// transport so nothing settles against a closed channel.
func (c *Client) Close() {
	c.reg.Dispose()
}

// PendingCount is exposed for observability and tests.
func (c *Client) PendingCount() int { return c.reg.PendingCount() }

func (c *Client) requestContext() *protocol.RequestContext {
	if c.viewID == "" && c.viewType == "" {
		return nil
	}
	return &protocol.RequestContext{
		ViewID:    c.viewID,
		ViewType:  c.viewType,
		Timestamp: time.Now(),
	}
}

// --- typed call wrappers ---
//
// Each operation key maps to one declared wrapper; correlation bookkeeping
// stays centralized in Call.

// SessionInfo mirrors the host's session metadata.
type SessionInfo struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// SendChat starts a streaming chat turn. The response only acknowledges the
// stream with the session's metadata; deltas arrive as events. An empty
// sessionID asks the host to create a new session.
func (c *Client) SendChat(ctx context.Context, sessionID, content string) (SessionInfo, error) {
	raw, err := c.Call(ctx, OpChatSend, sessionID, content)
	if err != nil {
		return SessionInfo{}, err
	}
	var info SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return SessionInfo{}, domain.WrapOp("Client.SendChat decode", err)
	}
	return info, nil
}

// StopChat cancels the in-flight query for a session. Returns whether
// anything was actually aborted.
func (c *Client) StopChat(ctx context.Context, sessionID string) (bool, error) {
	raw, err := c.Call(ctx, OpChatStop, sessionID)
	if err != nil {
		return false, err
	}
	var out struct {
		Aborted bool `json:"aborted"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return false, domain.WrapOp("Client.StopChat decode", err)
	}
	return out.Aborted, nil
}

// History fetches the transcript for a session.
func (c *Client) History(ctx context.Context, sessionID string) ([]domain.Message, error) {
	raw, err := c.Call(ctx, OpHistoryGet, sessionID)
	if err != nil {
		return nil, err
	}
	var msgs []domain.Message
	if err := json.Unmarshal(raw, &msgs); err != nil {
		return nil, domain.WrapOp("Client.History decode", err)
	}
	return msgs, nil
}

// ClearHistory empties the transcript for a session.
func (c *Client) ClearHistory(ctx context.Context, sessionID string) error {
	_, err := c.Call(ctx, OpHistoryClear, sessionID)
	return err
}

// Sessions lists known sessions, most recently active first.
func (c *Client) Sessions(ctx context.Context) ([]SessionInfo, error) {
	raw, err := c.Call(ctx, OpSessionList)
	if err != nil {
		return nil, err
	}
	var infos []SessionInfo
	if err := json.Unmarshal(raw, &infos); err != nil {
		return nil, domain.WrapOp("Client.Sessions decode", err)
	}
	return infos, nil
}

// Ready announces the view to the host.
func (c *Client) Ready(ctx context.Context) error {
	_, err := c.Call(ctx, OpViewReady, c.viewID, c.viewType)
	return err
}
