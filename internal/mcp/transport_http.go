package mcp

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/tmaxmax/go-sse"
)

const (
	httpDefaultTimeout = 30 * time.Second
	httpErrorBodyMax   = 2048
)

// httpTransport is strictly one request, one response: every Send POSTs a
// frame and queues whatever the server answered for the Conn's reader loop to
// pick up through Receive. The server cannot push: notifications are not
// deliverable over this transport, a documented limitation.
type httpTransport struct {
	server  string
	client  *http.Client
	url     string
	headers map[string]string

	replies chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func openHTTPTransport(ctx context.Context, identity ServerIdentity) (Transport, error) {
	rawURL := strings.TrimSpace(identity.URL)
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("invalid url %q: %w", rawURL, err)}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("unsupported url scheme %q", parsed.Scheme)}
	}

	timeout := identity.Timeout
	if timeout <= 0 {
		timeout = httpDefaultTimeout
	}

	return &httpTransport{
		server:  identity.ID,
		client:  &http.Client{Timeout: timeout},
		url:     parsed.String(),
		headers: identity.Headers,
		replies: make(chan []byte, 64),
		closed:  make(chan struct{}),
	}, nil
}

func (t *httpTransport) Send(ctx context.Context, frame []byte) error {
	select {
	case <-t.closed:
		return &TransportError{Op: "send", Err: ErrTransportClosed}
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(frame))
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for key, value := range t.headers {
		if trimmed := strings.TrimSpace(key); trimmed != "" {
			req.Header.Set(trimmed, value)
		}
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, httpErrorBodyMax))
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = resp.Status
		}
		return &TransportError{Op: "send", Err: fmt.Errorf("request failed: %s", msg)}
	}

	contentType := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Type")))
	if strings.HasPrefix(contentType, "text/event-stream") {
		return t.queueEventStream(resp.Body)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &TransportError{Op: "send", Err: fmt.Errorf("read response: %w", err)}
	}
	// Notifications are accepted with an empty body; nothing to queue.
	if len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	t.queue(body)
	return nil
}

// queueEventStream drains an SSE response, queuing every data payload. Some
// servers answer a POST with a short stream ending after the matching
// response event.
func (t *httpTransport) queueEventStream(body io.Reader) error {
	for ev, err := range sse.Read(body, nil) {
		if err != nil {
			return &TransportError{Op: "send", Err: fmt.Errorf("read event stream: %w", err)}
		}
		data := strings.TrimSpace(ev.Data)
		if data == "" {
			continue
		}
		t.queue([]byte(data))
	}
	return nil
}

func (t *httpTransport) queue(frame []byte) {
	select {
	case t.replies <- frame:
	case <-t.closed:
	}
}

func (t *httpTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-t.replies:
		return frame, nil
	case <-t.closed:
		return nil, ErrTransportClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *httpTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		t.client.CloseIdleConnections()
	})
	return nil
}
