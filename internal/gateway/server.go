// Package gateway exposes the host over WebSocket: views connect,
// issue correlated requests, and receive broadcast events. One
// connection is one view.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatrelay/internal/domain"
	"chatrelay/internal/protocol"
)

const sendQueueSize = 64

// chanTransport queues outbound envelopes for one connection. Send
// never blocks: a full queue means the view stopped draining and the
// caller treats it as dead.
type chanTransport struct {
	sendCh    chan protocol.Envelope
	done      chan struct{}
	closeOnce sync.Once
}

func newChanTransport() *chanTransport {
	return &chanTransport{
		sendCh: make(chan protocol.Envelope, sendQueueSize),
		done:   make(chan struct{}),
	}
}

func (t *chanTransport) Send(_ context.Context, env protocol.Envelope) error {
	select {
	case <-t.done:
		return domain.ErrTransportClosed
	default:
	}
	select {
	case t.sendCh <- env:
		return nil
	default:
		return domain.ErrSendQueueFull
	}
}

func (t *chanTransport) close() {
	t.closeOnce.Do(func() { close(t.done) })
}

// Server accepts view connections and wires them into the view
// registry and dispatcher.
type Server struct {
	views      *ViewRegistry
	dispatcher *Dispatcher
	bus        domain.EventBus
	logger     *slog.Logger
	addr       string
	httpSrv    *http.Server
	boundAddr  string
	unsubAll   func()
	httpRoutes []httpRoute
}

type httpRoute struct {
	pattern string
	handler http.HandlerFunc
}

func NewServer(views *ViewRegistry, dispatcher *Dispatcher, bus domain.EventBus, addr string, logger *slog.Logger) *Server {
	return &Server{
		views:      views,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
		addr:       addr,
	}
}

// RegisterHTTPRoute adds a plain HTTP handler to the gateway's mux.
// Must be called before Start().
func (s *Server) RegisterHTTPRoute(pattern string, handler http.HandlerFunc) {
	s.httpRoutes = append(s.httpRoutes, httpRoute{pattern: pattern, handler: handler})
}

// Start accepts connections until the context is cancelled. Every bus
// event is re-broadcast to connected views as an event envelope.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	for _, route := range s.httpRoutes {
		mux.HandleFunc(route.pattern, route.handler)
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	s.boundAddr = listener.Addr().String()

	s.httpSrv = &http.Server{Handler: mux}

	s.unsubAll = s.bus.SubscribeAll(func(eventCtx context.Context, event domain.Event) {
		env, err := protocol.NewEvent(string(event.Type), event)
		if err != nil {
			s.logger.Error("event envelope build failed", "event", string(event.Type), "error", err)
			return
		}
		s.views.BroadcastEnvelope(eventCtx, env)
	})

	s.logger.Info("gateway started", "addr", s.boundAddr)

	go func() {
		<-ctx.Done()
		s.Stop(context.Background())
	}()

	if err := s.httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("gateway serve: %w", err)
	}
	return nil
}

// Stop shuts the HTTP server down. Connected views observe their
// websocket closing and unwind through handleUpgrade's cleanup path.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsubAll != nil {
		s.unsubAll()
	}
	if s.httpSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
	return nil
}

// BoundAddr returns the listen address. Only valid after Start.
func (s *Server) BoundAddr() string { return s.boundAddr }

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	info := ViewInfo{
		ID:          r.URL.Query().Get("view_id"),
		Type:        r.URL.Query().Get("view_type"),
		ConnectedAt: time.Now(),
	}
	if info.ID == "" {
		info.ID = ulid.MustNew(ulid.Now(), rand.Reader).String()
	}
	if info.Type == "" {
		info.Type = "unknown"
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{
			"localhost",
			"localhost:*",
			"127.0.0.1",
			"127.0.0.1:*",
			"[::1]",
			"[::1]:*",
		},
	})
	if err != nil {
		s.logger.Warn("websocket accept failed", "error", err)
		return
	}

	transport := newChanTransport()
	s.views.Register(info, transport)
	s.publishViewEvent(r.Context(), domain.EventViewConnected, info)

	go s.writeLoop(ws, transport)

	s.readLoop(r.Context(), ws, info, transport)

	transport.close()
	s.views.Unregister(info.ID)
	ws.Close(websocket.StatusNormalClosure, "")
	s.publishViewEvent(context.Background(), domain.EventViewDisconnected, info)
	s.logger.Info("view disconnected", "view_id", info.ID)
}

func (s *Server) publishViewEvent(ctx context.Context, t domain.EventType, info ViewInfo) {
	payload, err := json.Marshal(map[string]string{"view_id": info.ID, "view_type": info.Type})
	if err != nil {
		return
	}
	s.bus.Publish(ctx, domain.Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	})
}

func (s *Server) readLoop(ctx context.Context, ws *websocket.Conn, info ViewInfo, transport *chanTransport) {
	for {
		select {
		case <-transport.done:
			return
		default:
		}

		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		go s.dispatcher.HandleRaw(ctx, info, transport, data)
	}
}

func (s *Server) writeLoop(ws *websocket.Conn, transport *chanTransport) {
	for {
		select {
		case <-transport.done:
			return
		case env := <-transport.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := wsjson.Write(ctx, ws, env)
			cancel()
			if err != nil {
				transport.close()
				return
			}
		}
	}
}
