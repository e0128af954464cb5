package rpc

import (
	"context"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"chatrelay/internal/protocol"
)

// wsTransport adapts a WebSocket connection to the Transport interface.
type wsTransport struct {
	ws *websocket.Conn
}

func (t *wsTransport) Send(ctx context.Context, env protocol.Envelope) error {
	return wsjson.Write(ctx, t.ws, env)
}

// Dial connects a client stub to the host's WebSocket endpoint and starts the
// read loop. The returned closer rejects all outstanding requests before the
// connection goes away, so no settlement races channel closure.
func Dial(ctx context.Context, url string, opts ClientOptions) (*Client, func() error, error) {
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, nil, err
	}

	client := NewClient(&wsTransport{ws: ws}, opts)

	go func() {
		for {
			var env protocol.Envelope
			if err := wsjson.Read(ctx, ws, &env); err != nil {
				// Connection gone: settle everything still pending.
				client.Close()
				return
			}
			if err := env.Validate(); err != nil {
				client.logger.Warn("dropping malformed envelope from host", "error", err)
				continue
			}
			client.HandleInbound(env)
		}
	}()

	closer := func() error {
		client.Close()
		return ws.Close(websocket.StatusNormalClosure, "client shutting down")
	}
	return client, closer, nil
}
