package relayws

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/veldtchat/e2ee-go/internal/wire"
)

const (
	defaultKeepAliveInterval = 30 * time.Second
	defaultKeepAliveTimeout  = 20 * time.Second
	maxReconnectWait         = time.Minute
)

// PersistentConn wraps a Conn with keep-alive pings and automatic
// reconnection with backoff.
type PersistentConn struct {
	mu      sync.Mutex
	conn    *Conn
	url     string
	tlsConf *tls.Config
	headers http.Header
	closed  atomic.Bool

	keepAliveInterval time.Duration
	keepAliveTimeout  time.Duration

	reconnectAttempts int

	cancel context.CancelFunc // cancels the keep-alive goroutine
}

// Option configures a PersistentConn.
type Option func(*PersistentConn)

// WithKeepAliveInterval sets the interval between keep-alive pings.
func WithKeepAliveInterval(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveInterval = d }
}

// WithKeepAliveTimeout sets how long to wait for a pong before reconnecting.
func WithKeepAliveTimeout(d time.Duration) Option {
	return func(pc *PersistentConn) { pc.keepAliveTimeout = d }
}

// WithHeaders sets HTTP headers for the WebSocket upgrade request.
func WithHeaders(h http.Header) Option {
	return func(pc *PersistentConn) { pc.headers = h }
}

// DialPersistent dials a WebSocket and returns a PersistentConn with
// keep-alive and reconnect.
func DialPersistent(ctx context.Context, url string, tlsConf *tls.Config, opts ...Option) (*PersistentConn, error) {
	pc := &PersistentConn{
		url:               url,
		tlsConf:           tlsConf,
		keepAliveInterval: defaultKeepAliveInterval,
		keepAliveTimeout:  defaultKeepAliveTimeout,
	}
	for _, o := range opts {
		o(pc)
	}

	conn, err := Dial(ctx, url, tlsConf, pc.headers)
	if err != nil {
		return nil, err
	}
	pc.conn = conn

	kaCtx, kaCancel := context.WithCancel(context.Background())
	pc.cancel = kaCancel
	go pc.keepAliveLoop(kaCtx)

	return pc, nil
}

// ReadEvent reads the next push event. On read error it reconnects and
// retries until the context is cancelled or the conn is closed.
func (pc *PersistentConn) ReadEvent(ctx context.Context) (*wire.PushEvent, error) {
	for {
		pc.mu.Lock()
		conn := pc.conn
		pc.mu.Unlock()

		if conn == nil {
			if pc.closed.Load() {
				return nil, fmt.Errorf("relayws: persistent conn closed")
			}
			if err := pc.reconnect(ctx); err != nil {
				return nil, err
			}
			continue
		}

		ev, err := conn.ReadEvent(ctx)
		if err != nil {
			if pc.closed.Load() || ctx.Err() != nil {
				return nil, err
			}
			if reconnErr := pc.reconnect(ctx); reconnErr != nil {
				return nil, reconnErr
			}
			continue
		}
		return ev, nil
	}
}

// Close stops keep-alive and closes the connection. No further reconnects
// will happen.
func (pc *PersistentConn) Close() error {
	if pc.closed.Swap(true) {
		return nil // already closed
	}
	pc.cancel()
	pc.mu.Lock()
	conn := pc.conn
	pc.conn = nil
	pc.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (pc *PersistentConn) keepAliveLoop(ctx context.Context) {
	ticker := time.NewTicker(pc.keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if pc.closed.Load() {
				return
			}
			pc.mu.Lock()
			conn := pc.conn
			pc.mu.Unlock()
			if conn == nil {
				continue
			}

			pingCtx, cancel := context.WithTimeout(ctx, pc.keepAliveTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && !pc.closed.Load() {
				// Broken pipe; drop the conn so the next read reconnects.
				pc.mu.Lock()
				if pc.conn == conn {
					pc.conn = nil
					conn.Close()
				}
				pc.mu.Unlock()
			}
		}
	}
}

// reconnect re-dials with exponential backoff, capped at maxReconnectWait.
func (pc *PersistentConn) reconnect(ctx context.Context) error {
	pc.mu.Lock()
	if pc.conn != nil {
		pc.conn.Close()
		pc.conn = nil
	}
	attempt := pc.reconnectAttempts
	pc.reconnectAttempts++
	pc.mu.Unlock()

	wait := min(time.Duration(1<<attempt)*time.Second, maxReconnectWait)
	if attempt > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	conn, err := Dial(ctx, pc.url, pc.tlsConf, pc.headers)
	if err != nil {
		return fmt.Errorf("relayws: reconnect: %w", err)
	}

	pc.mu.Lock()
	pc.conn = conn
	pc.reconnectAttempts = 0
	pc.mu.Unlock()
	return nil
}
