package mcp

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsDefaultDialTimeout = 30 * time.Second
	wsMaxFrameSize       = 10 * 1024 * 1024
	wsWriteTimeout       = 30 * time.Second
)

// wsTransport carries message-framed JSON over a websocket. The server may
// push frames at any time, including between a request and its matching
// response; they all flow through the single Receive reader.
type wsTransport struct {
	server string
	conn   *websocket.Conn

	writeMu sync.Mutex

	closeOnce sync.Once
	closed    chan struct{}
}

func openWebSocketTransport(ctx context.Context, identity ServerIdentity) (Transport, error) {
	rawURL := strings.TrimSpace(identity.URL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("invalid url %q: %w", rawURL, err)}
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("unsupported url scheme %q", parsed.Scheme)}
	}

	timeout := identity.Timeout
	if timeout <= 0 {
		timeout = wsDefaultDialTimeout
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		Subprotocols:     identity.Protocols,
	}

	header := http.Header{}
	for key, value := range identity.Headers {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			header.Set(trimmed, value)
		}
	}

	conn, resp, err := dialer.DialContext(ctx, parsed.String(), header)
	if err != nil {
		if resp != nil {
			err = fmt.Errorf("%w (status %s)", err, resp.Status)
		}
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("dial %s: %w", parsed.String(), err)}
	}
	conn.SetReadLimit(wsMaxFrameSize)

	return &wsTransport{
		server: identity.ID,
		conn:   conn,
		closed: make(chan struct{}),
	}, nil
}

func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	default:
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	deadline := time.Now().Add(wsWriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = t.conn.SetWriteDeadline(deadline)

	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive blocks on the socket; Close unblocks it.
func (t *wsTransport) Receive(ctx context.Context) ([]byte, error) {
	_, frame, err := t.conn.ReadMessage()
	if err != nil {
		select {
		case <-t.closed:
			return nil, ErrTransportClosed
		default:
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			return nil, &TransportError{Op: "receive", Err: fmt.Errorf("server closed websocket: %w", err)}
		}
		return nil, &TransportError{Op: "receive", Err: err}
	}
	return frame, nil
}

func (t *wsTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.writeMu.Lock()
		_ = t.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = t.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		t.writeMu.Unlock()
		_ = t.conn.Close()
	})
	return nil
}
