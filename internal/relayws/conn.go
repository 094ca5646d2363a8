// Package relayws provides JSON-framed WebSocket communication for the
// relay's push-notification channel.
package relayws

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/coder/websocket"

	"github.com/veldtchat/e2ee-go/internal/wire"
)

// Conn wraps a WebSocket connection with JSON event framing.
type Conn struct {
	ws *websocket.Conn
}

// Dial opens a WebSocket connection to the given URL.
// If tlsConf is non-nil, it is used for the TLS handshake.
// Optional HTTP headers are added to the upgrade request.
func Dial(ctx context.Context, url string, tlsConf *tls.Config, headers ...http.Header) (*Conn, error) {
	opts := &websocket.DialOptions{}
	if tlsConf != nil {
		opts.HTTPClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: tlsConf,
			},
		}
	}
	if len(headers) > 0 {
		opts.HTTPHeader = headers[0]
	}
	ws, _, err := websocket.Dial(ctx, url, opts)
	if err != nil {
		return nil, fmt.Errorf("relayws: dial: %w", err)
	}
	return &Conn{ws: ws}, nil
}

// ReadEvent reads and unmarshals the next push event from the connection.
func (c *Conn) ReadEvent(ctx context.Context) (*wire.PushEvent, error) {
	_, data, err := c.ws.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("relayws: read: %w", err)
	}
	ev := new(wire.PushEvent)
	if err := json.Unmarshal(data, ev); err != nil {
		return nil, fmt.Errorf("relayws: unmarshal: %w", err)
	}
	return ev, nil
}

// Ping sends a WebSocket ping and waits for the pong.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.ws.Ping(ctx); err != nil {
		return fmt.Errorf("relayws: ping: %w", err)
	}
	return nil
}

// Close sends a normal closure frame and then closes the connection.
func (c *Conn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
