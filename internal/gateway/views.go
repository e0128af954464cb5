package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"chatrelay/internal/protocol"
)

// ViewTransport is the outbound half of one connected view. Send may
// fail synchronously (queue full, connection gone); the registry
// treats any failure as the view being dead.
type ViewTransport interface {
	Send(ctx context.Context, env protocol.Envelope) error
}

// ViewInfo describes one registered view.
type ViewInfo struct {
	ID          string
	Type        string
	ConnectedAt time.Time
}

type registeredView struct {
	info      ViewInfo
	transport ViewTransport
}

// ViewRegistry tracks connected views and fans events out to them.
// All state is behind the registry's own mutex; nothing outside the
// package touches the view table directly.
type ViewRegistry struct {
	mu     sync.RWMutex
	views  map[string]registeredView
	logger *slog.Logger
}

func NewViewRegistry(logger *slog.Logger) *ViewRegistry {
	return &ViewRegistry{
		views:  make(map[string]registeredView),
		logger: logger,
	}
}

// Register records a view. Re-registering an id replaces the previous
// transport, which covers a view reconnecting before its old
// connection was reaped.
func (vr *ViewRegistry) Register(info ViewInfo, transport ViewTransport) {
	vr.mu.Lock()
	vr.views[info.ID] = registeredView{info: info, transport: transport}
	vr.mu.Unlock()
	vr.logger.Info("view registered", "view_id", info.ID, "view_type", info.Type)
}

// Unregister removes a view. Unknown ids are ignored.
func (vr *ViewRegistry) Unregister(viewID string) {
	vr.mu.Lock()
	_, ok := vr.views[viewID]
	delete(vr.views, viewID)
	vr.mu.Unlock()
	if ok {
		vr.logger.Info("view unregistered", "view_id", viewID)
	}
}

// Count reports the number of connected views.
func (vr *ViewRegistry) Count() int {
	vr.mu.RLock()
	defer vr.mu.RUnlock()
	return len(vr.views)
}

// Broadcast builds an event envelope and delivers it to every
// registered view. A failed delivery marks that view for removal;
// removals are collected during iteration and applied afterwards so
// one view's death never affects delivery to the rest.
func (vr *ViewRegistry) Broadcast(ctx context.Context, key string, params ...any) {
	env, err := protocol.NewEvent(key, params...)
	if err != nil {
		vr.logger.Error("broadcast envelope build failed", "key", key, "error", err)
		return
	}
	vr.BroadcastEnvelope(ctx, env)
}

// BroadcastEnvelope delivers a pre-built event envelope.
func (vr *ViewRegistry) BroadcastEnvelope(ctx context.Context, env protocol.Envelope) {
	vr.mu.RLock()
	snapshot := make([]registeredView, 0, len(vr.views))
	for _, v := range vr.views {
		snapshot = append(snapshot, v)
	}
	vr.mu.RUnlock()

	var dead []string
	for _, v := range snapshot {
		if err := vr.deliver(ctx, v, env); err != nil {
			vr.logger.Warn("event delivery failed, pruning view",
				"view_id", v.info.ID, "key", env.Key, "error", err)
			dead = append(dead, v.info.ID)
		}
	}

	if len(dead) > 0 {
		vr.mu.Lock()
		for _, id := range dead {
			delete(vr.views, id)
		}
		vr.mu.Unlock()
	}
}

// deliver isolates a single view's Send, turning a panic into an
// error so a misbehaving transport cannot break the broadcast loop.
func (vr *ViewRegistry) deliver(ctx context.Context, v registeredView, env protocol.Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &transportPanicError{value: r}
		}
	}()
	return v.transport.Send(ctx, env)
}

type transportPanicError struct {
	value any
}

func (e *transportPanicError) Error() string {
	return fmt.Sprintf("transport panicked: %v", e.value)
}
