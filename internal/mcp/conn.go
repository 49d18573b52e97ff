package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/MEKXH/tether/internal/version"
)

// State is the lifecycle of one Conn. Disconnected is both the initial state
// and the terminal one; a Conn that has disconnected is never reused.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateReady
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

const (
	defaultCallTimeout   = 30 * time.Second
	notificationBuffer   = 16
	maxDecodeFailures    = 3
	methodToolsChanged   = "notifications/tools/list_changed"
	methodResourcesList  = "resources/list"
	methodResourcesRead  = "resources/read"
	methodToolsList      = "tools/list"
	methodToolsCall      = "tools/call"
	methodInitialize     = "initialize"
	methodInitialized    = "notifications/initialized"
	methodCancelled      = "notifications/cancelled"
	methodPing           = "ping"
)

// DialOptions tune one Conn. The zero value is usable.
type DialOptions struct {
	// CallTimeout bounds every request that does not carry its own timeout.
	CallTimeout time.Duration
	// CancelOnTimeout sends a best-effort notifications/cancelled after a
	// local timeout instead of purely abandoning the pending entry.
	CancelOnTimeout bool
	// OnState observes every state transition.
	OnState func(State)
	// OnNotification observes server notifications the Conn does not consume
	// itself. Must not block.
	OnNotification func(method string, params json.RawMessage)
}

// Conn is one live session with a tool-providing server. It owns its
// Transport exclusively, runs a single dedicated reader goroutine, and
// correlates responses to in-flight requests, so any number of calls can be
// outstanding concurrently.
type Conn struct {
	identity ServerIdentity
	opts     DialOptions

	transport Transport
	calls     *correlator
	nextID    atomic.Uint64

	stateMu sync.Mutex
	state   State

	serverInfo    ServerInfo
	serverVersion string
	capabilities  map[string]any

	toolsMu    sync.Mutex
	tools      []ToolDescriptor
	toolsValid bool

	notifications chan Message

	closeOnce sync.Once
	done      chan struct{}
}

// Dial opens the transport, runs the initialize handshake, and returns a
// Ready Conn. On any failure the Conn ends Disconnected with every resource
// released. Cancelling ctx aborts a handshake in flight.
func Dial(ctx context.Context, identity ServerIdentity, opts DialOptions) (*Conn, error) {
	if err := identity.Validate(); err != nil {
		return nil, err
	}

	c := newConn(identity, opts)
	c.setState(StateConnecting)
	transport, err := openTransport(ctx, identity)
	if err != nil {
		c.setState(StateDisconnected)
		return nil, err
	}
	if err := c.start(ctx, transport); err != nil {
		return nil, err
	}
	return c, nil
}

func newConn(identity ServerIdentity, opts DialOptions) *Conn {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Conn{
		identity:      identity,
		opts:          opts,
		notifications: make(chan Message, notificationBuffer),
		done:          make(chan struct{}),
	}
}

// start takes ownership of the transport, spawns the reader, and runs the
// handshake. On failure the transport is closed and the Conn is terminal.
func (c *Conn) start(ctx context.Context, transport Transport) error {
	c.transport = transport
	c.calls = newCorrelator(c.identity.ID)

	c.setState(StateHandshaking)
	go c.readLoop()
	go c.notifyLoop()

	if err := c.handshake(ctx); err != nil {
		c.teardown(err)
		return err
	}

	c.setState(StateReady)
	slog.Info("server connected",
		"server", c.identity.ID,
		"transport", c.identity.Transport,
		"server_name", c.serverInfo.Name,
		"protocol_version", c.serverVersion,
	)
	return nil
}

func (c *Conn) handshake(ctx context.Context) error {
	raw, err := c.call(ctx, methodInitialize, map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "tether",
			"version": version.Version,
		},
	}, c.opts.CallTimeout)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}

	var result struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ServerInfo      ServerInfo     `json:"serverInfo"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return &ProtocolError{Err: fmt.Errorf("decode initialize result: %w", err)}
	}

	if !protocolVersionSupported(result.ProtocolVersion) {
		return &IncompatibleProtocolError{Server: c.identity.ID, Version: result.ProtocolVersion}
	}

	c.serverVersion = result.ProtocolVersion
	c.serverInfo = result.ServerInfo
	c.capabilities = result.Capabilities

	if err := c.notify(ctx, methodInitialized, map[string]any{}); err != nil {
		return fmt.Errorf("send initialized notification: %w", err)
	}
	return nil
}

// State reports the current lifecycle state.
func (c *Conn) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Identity returns the identity the Conn was built from.
func (c *Conn) Identity() ServerIdentity { return c.identity }

// ServerInfo reports what the server advertised at handshake.
func (c *Conn) ServerInfo() ServerInfo { return c.serverInfo }

// ProtocolVersion is the negotiated protocol version.
func (c *Conn) ProtocolVersion() string { return c.serverVersion }

func (c *Conn) setState(s State) {
	c.stateMu.Lock()
	if c.state == s {
		c.stateMu.Unlock()
		return
	}
	c.state = s
	cb := c.opts.OnState
	c.stateMu.Unlock()

	if cb != nil {
		cb(s)
	}
}

func (c *Conn) requireReady() error {
	if s := c.State(); s != StateReady {
		return &NotReadyError{Server: c.identity.ID, State: s}
	}
	return nil
}

// ListTools returns the tool catalog, served from a cached snapshot until a
// tools_changed notification (or InvalidateTools) drops it. The returned
// slice is a copy; callers may not mutate descriptors in place.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	c.toolsMu.Lock()
	if c.toolsValid {
		cached := append([]ToolDescriptor(nil), c.tools...)
		c.toolsMu.Unlock()
		return cached, nil
	}
	c.toolsMu.Unlock()

	raw, err := c.call(ctx, methodToolsList, map[string]any{}, c.opts.CallTimeout)
	if err != nil {
		return nil, err
	}

	var result struct {
		Tools []struct {
			Name        string         `json:"name"`
			Description string         `json:"description"`
			InputSchema map[string]any `json:"inputSchema"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode tools/list result: %w", err)}
	}

	descriptors := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		name := strings.TrimSpace(t.Name)
		if name == "" {
			continue
		}
		descriptors = append(descriptors, ToolDescriptor{
			ServerID:    c.identity.ID,
			RawName:     name,
			Name:        NamespacedToolName(c.identity.ID, name),
			Description: strings.TrimSpace(t.Description),
			InputSchema: t.InputSchema,
		})
	}

	c.toolsMu.Lock()
	c.tools = descriptors
	c.toolsValid = true
	c.toolsMu.Unlock()

	return append([]ToolDescriptor(nil), descriptors...), nil
}

func (c *Conn) cachedToolCount() int {
	c.toolsMu.Lock()
	defer c.toolsMu.Unlock()
	if !c.toolsValid {
		return 0
	}
	return len(c.tools)
}

// InvalidateTools drops the cached tool snapshot; the next ListTools asks the
// server again.
func (c *Conn) InvalidateTools() {
	c.toolsMu.Lock()
	c.tools = nil
	c.toolsValid = false
	c.toolsMu.Unlock()
}

// CallTool invokes one tool with the given deadline. A timeout abandons the
// pending entry locally; the server side is not guaranteed to stop, and a
// late response is discarded.
func (c *Conn) CallTool(ctx context.Context, rawName string, args map[string]any, timeout time.Duration) (ToolResult, error) {
	if err := c.requireReady(); err != nil {
		return ToolResult{}, err
	}
	if timeout <= 0 {
		timeout = c.opts.CallTimeout
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := c.call(ctx, methodToolsCall, map[string]any{
		"name":      strings.TrimSpace(rawName),
		"arguments": args,
	}, timeout)
	if err != nil {
		return ToolResult{}, err
	}
	return decodeToolCallResult(raw)
}

// ListResources fetches the server's resource listing.
func (c *Conn) ListResources(ctx context.Context) ([]ResourceDescriptor, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}

	raw, err := c.call(ctx, methodResourcesList, map[string]any{}, c.opts.CallTimeout)
	if err != nil {
		return nil, err
	}

	var result struct {
		Resources []struct {
			URI         string `json:"uri"`
			Name        string `json:"name"`
			Description string `json:"description"`
			MimeType    string `json:"mimeType"`
		} `json:"resources"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, &ProtocolError{Err: fmt.Errorf("decode resources/list result: %w", err)}
	}

	descriptors := make([]ResourceDescriptor, 0, len(result.Resources))
	for _, r := range result.Resources {
		descriptors = append(descriptors, ResourceDescriptor{
			URI:         r.URI,
			Name:        r.Name,
			Description: r.Description,
			MimeType:    r.MimeType,
		})
	}
	return descriptors, nil
}

// ReadResource fetches one resource by URI.
func (c *Conn) ReadResource(ctx context.Context, uri string) (ResourceContents, error) {
	if err := c.requireReady(); err != nil {
		return ResourceContents{}, err
	}

	raw, err := c.call(ctx, methodResourcesRead, map[string]any{"uri": uri}, c.opts.CallTimeout)
	if err != nil {
		return ResourceContents{}, err
	}

	var result struct {
		Contents []ResourceContents `json:"contents"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ResourceContents{}, &ProtocolError{Err: fmt.Errorf("decode resources/read result: %w", err)}
	}
	if len(result.Contents) == 0 {
		return ResourceContents{URI: uri}, nil
	}
	return result.Contents[0], nil
}

// Close transitions to the terminal Disconnected state, closes the transport
// and resolves every outstanding request with a ConnectionClosedError.
func (c *Conn) Close() error {
	c.teardown(nil)
	return nil
}

// call sends one request and blocks until its pending entry resolves:
// response, server error, timeout, ctx cancellation, or disconnect. Exactly
// one of those wins.
func (c *Conn) call(ctx context.Context, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	id := c.nextID.Add(1)

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	p := c.calls.register(id, method, deadline)

	frame, err := encodeRequest(id, method, params)
	if err != nil {
		c.calls.resolve(id, callOutcome{err: err})
		return nil, err
	}

	if err := c.transport.Send(ctx, frame); err != nil {
		c.calls.resolve(id, callOutcome{err: err})
		c.teardown(err)
		return nil, err
	}

	select {
	case outcome := <-p.done:
		if outcome.err != nil {
			var timedOut *TimeoutError
			if errors.As(outcome.err, &timedOut) && c.opts.CancelOnTimeout {
				go c.sendCancelled(id, "deadline exceeded")
			}
			return nil, outcome.err
		}
		return outcome.result, nil

	case <-ctx.Done():
		// Remove the entry so a late response is discarded.
		c.calls.resolve(id, callOutcome{err: ctx.Err()})
		if c.opts.CancelOnTimeout {
			go c.sendCancelled(id, "caller cancelled")
		}
		return nil, ctx.Err()
	}
}

func (c *Conn) notify(ctx context.Context, method string, params any) error {
	frame, err := encodeNotification(method, params)
	if err != nil {
		return err
	}
	if err := c.transport.Send(ctx, frame); err != nil {
		c.teardown(err)
		return err
	}
	return nil
}

func (c *Conn) sendCancelled(id uint64, reason string) {
	frame, err := encodeNotification(methodCancelled, map[string]any{
		"requestId": id,
		"reason":    reason,
	})
	if err != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.transport.Send(ctx, frame); err != nil {
		slog.Debug("cancel notification failed", "server", c.identity.ID, "id", id, "error", err)
	}
}

// readLoop is the single consumer of the transport. It demultiplexes frames
// to the correlator and the notification handler and never blocks on either.
func (c *Conn) readLoop() {
	consecutiveFailures := 0

	for {
		frame, err := c.transport.Receive(context.Background())
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				c.teardown(nil)
			} else {
				c.teardown(err)
			}
			return
		}

		msg, err := decodeMessage(frame)
		if err != nil {
			consecutiveFailures++
			slog.Warn("dropping malformed frame",
				"server", c.identity.ID,
				"error", err,
				"consecutive", consecutiveFailures,
			)
			if consecutiveFailures >= maxDecodeFailures {
				c.teardown(fmt.Errorf("%d consecutive undecodable frames, assuming framing desync: %w", consecutiveFailures, err))
				return
			}
			continue
		}
		consecutiveFailures = 0

		switch msg.Kind {
		case KindResponse:
			if !c.calls.resolve(msg.ID, callOutcome{result: msg.Result}) {
				slog.Debug("discarding late or duplicate response", "server", c.identity.ID, "id", msg.ID)
			}

		case KindError:
			outcome := callOutcome{err: &ToolError{
				Code:    msg.Err.Code,
				Message: msg.Err.Message,
				Data:    msg.Err.Data,
			}}
			if !c.calls.resolve(msg.ID, outcome) {
				slog.Debug("discarding late or duplicate error", "server", c.identity.ID, "id", msg.ID)
			}

		case KindNotification:
			select {
			case c.notifications <- msg:
			default:
				slog.Warn("notification buffer full, dropping", "server", c.identity.ID, "method", msg.Method)
			}

		case KindRequest:
			go c.answerRequest(msg)
		}
	}
}

// notifyLoop handles server notifications off the reader goroutine.
func (c *Conn) notifyLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.notifications:
			if msg.Method == methodToolsChanged {
				slog.Info("server tool list changed", "server", c.identity.ID)
				c.InvalidateTools()
			}
			if c.opts.OnNotification != nil {
				c.opts.OnNotification(msg.Method, msg.Params)
			}
		}
	}
}

// answerRequest handles the rare server-initiated request. Only ping is
// supported; anything else gets method-not-found, matching the wire contract.
func (c *Conn) answerRequest(msg Message) {
	var frame []byte
	var err error
	if msg.Method == methodPing {
		frame, err = encodeResult(msg.RawID, map[string]any{})
	} else {
		slog.Info("refusing server-initiated request", "server", c.identity.ID, "method", msg.Method)
		frame, err = encodeError(msg.RawID, codeMethodNotFound, fmt.Sprintf("method %s not supported", msg.Method))
	}
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.transport.Send(ctx, frame); err != nil {
		slog.Debug("answer to server request failed", "server", c.identity.ID, "method", msg.Method, "error", err)
	}
}

func (c *Conn) teardown(cause error) {
	c.closeOnce.Do(func() {
		close(c.done)
		c.setState(StateDisconnected)
		_ = c.transport.Close()
		c.calls.failAll(&ConnectionClosedError{Server: c.identity.ID, Cause: cause})
		c.calls.close()
		if cause != nil {
			slog.Warn("connection lost", "server", c.identity.ID, "error", cause)
		}
	})
}

// decodeToolCallResult folds the content list of a tools/call reply into a
// single text payload, surfacing isError results as ToolError.
func decodeToolCallResult(raw json.RawMessage) (ToolResult, error) {
	var result struct {
		IsError bool `json:"isError"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StructuredContent any `json:"structuredContent"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return ToolResult{}, &ProtocolError{Err: fmt.Errorf("decode tools/call result: %w", err)}
	}

	parts := make([]string, 0, len(result.Content))
	for _, item := range result.Content {
		if !strings.EqualFold(strings.TrimSpace(item.Type), "text") {
			continue
		}
		if text := strings.TrimSpace(item.Text); text != "" {
			parts = append(parts, text)
		}
	}
	text := strings.Join(parts, "\n")

	if result.IsError {
		message := text
		if message == "" {
			message = "tool call failed"
		}
		return ToolResult{}, &ToolError{Message: message}
	}

	return ToolResult{Content: text, Structured: result.StructuredContent}, nil
}
