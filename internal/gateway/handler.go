package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"chatrelay/internal/domain"
	"chatrelay/internal/usecase"
)

// HandlerDeps holds everything the default operation handlers need.
type HandlerDeps struct {
	Chat     *usecase.ChatService
	Sessions *usecase.SessionManager
	Bus      domain.EventBus
	Logger   *slog.Logger
}

// RegisterDefaultHandlers wires the chat operation surface into the
// dispatcher. The capability map is fixed after this call.
func RegisterDefaultHandlers(d *Dispatcher, deps HandlerDeps) {
	d.Register("chat.send", handleChatSend(deps))
	d.Register("chat.stop", handleChatStop(deps))
	d.Register("history.get", handleHistoryGet(deps))
	d.RegisterWithNotify("history.clear", string(domain.EventHistoryCleared), handleHistoryClear(deps))
	d.Register("session.list", handleSessionList(deps))
	d.Register("view.ready", handleViewReady(deps))
}

// param decodes the i-th positional argument into v.
func param(params []json.RawMessage, i int, v any) error {
	if i >= len(params) {
		return fmt.Errorf("%w: missing argument %d", domain.ErrRPCInvalidPayload, i)
	}
	if err := json.Unmarshal(params[i], v); err != nil {
		return fmt.Errorf("%w: argument %d: %v", domain.ErrRPCInvalidPayload, i, err)
	}
	return nil
}

func handleChatSend(deps HandlerDeps) ActionHandler {
	return func(ctx context.Context, view ViewInfo, params []json.RawMessage) (json.RawMessage, error) {
		var sessionID, text string
		if err := param(params, 0, &sessionID); err != nil {
			return nil, err
		}
		if err := param(params, 1, &text); err != nil {
			return nil, err
		}
		info, err := deps.Chat.Send(ctx, sessionID, text)
		if err != nil {
			return nil, err
		}
		return json.Marshal(info)
	}
}

func handleChatStop(deps HandlerDeps) ActionHandler {
	return func(ctx context.Context, view ViewInfo, params []json.RawMessage) (json.RawMessage, error) {
		var sessionID string
		if err := param(params, 0, &sessionID); err != nil {
			return nil, err
		}
		aborted := deps.Chat.Stop(ctx, sessionID)
		return json.Marshal(map[string]bool{"aborted": aborted})
	}
}

func handleHistoryGet(deps HandlerDeps) ActionHandler {
	return func(ctx context.Context, view ViewInfo, params []json.RawMessage) (json.RawMessage, error) {
		var sessionID string
		if err := param(params, 0, &sessionID); err != nil {
			return nil, err
		}
		msgs, err := deps.Chat.History(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if msgs == nil {
			msgs = []domain.Message{}
		}
		return json.Marshal(msgs)
	}
}

func handleHistoryClear(deps HandlerDeps) ActionHandler {
	return func(ctx context.Context, view ViewInfo, params []json.RawMessage) (json.RawMessage, error) {
		var sessionID string
		if err := param(params, 0, &sessionID); err != nil {
			return nil, err
		}
		if err := deps.Chat.Clear(ctx, sessionID); err != nil {
			return nil, err
		}
		return json.Marshal(map[string]bool{"cleared": true})
	}
}

func handleSessionList(deps HandlerDeps) ActionHandler {
	return func(ctx context.Context, view ViewInfo, params []json.RawMessage) (json.RawMessage, error) {
		return json.Marshal(deps.Chat.Sessions(ctx))
	}
}

// view.ready is the view's first call after connecting: it confirms
// two-way traffic works and returns the session inventory so the view
// can render without a second round trip.
func handleViewReady(deps HandlerDeps) ActionHandler {
	return func(ctx context.Context, view ViewInfo, params []json.RawMessage) (json.RawMessage, error) {
		deps.Logger.Info("view ready", "view_id", view.ID, "view_type", view.Type)
		return json.Marshal(map[string]any{
			"view_id":  view.ID,
			"sessions": deps.Chat.Sessions(ctx),
		})
	}
}
