package mcp

import (
	"fmt"
	"strings"
	"time"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	TransportStdio     TransportKind = "stdio"
	TransportHTTP      TransportKind = "http"
	TransportWebSocket TransportKind = "websocket"
)

// ServerIdentity describes one tool-providing server. It is immutable once a
// Conn has been built from it; changing any field requires a reconnect.
type ServerIdentity struct {
	ID        string
	Name      string
	Transport TransportKind

	// stdio
	Command string
	Args    []string
	Dir     string
	Env     map[string]string

	// http / websocket
	URL       string
	Headers   map[string]string
	Timeout   time.Duration
	Protocols []string
}

// Validate checks that the identity is complete enough to dial. Server ids
// participate in namespaced tool names, so they must not contain dots.
func (id ServerIdentity) Validate() error {
	trimmed := strings.TrimSpace(id.ID)
	if trimmed == "" {
		return fmt.Errorf("server id is required")
	}
	if strings.Contains(trimmed, ".") {
		return fmt.Errorf("server id %q must not contain dots", trimmed)
	}

	switch id.Transport {
	case TransportStdio:
		if strings.TrimSpace(id.Command) == "" {
			return fmt.Errorf("server %s: stdio transport requires command", trimmed)
		}
	case TransportHTTP, TransportWebSocket:
		if strings.TrimSpace(id.URL) == "" {
			return fmt.Errorf("server %s: %s transport requires url", trimmed, id.Transport)
		}
	default:
		return fmt.Errorf("server %s: unknown transport %q", trimmed, id.Transport)
	}
	return nil
}

// ToolDescriptor is one tool discovered from a server. Name is the namespaced
// form routed back through SplitToolName; RawName is what the server knows.
type ToolDescriptor struct {
	ServerID    string
	RawName     string
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolResult is a successful tools/call outcome.
type ToolResult struct {
	Content    string
	Structured any
}

// ResourceDescriptor is one resource advertised by a server.
type ResourceDescriptor struct {
	URI         string
	Name        string
	Description string
	MimeType    string
}

// ResourceContents holds the payload of a resources/read call.
type ResourceContents struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType"`
	Text     string `json:"text"`
	Blob     string `json:"blob"`
}

// ServerInfo is the implementation info a server reports at handshake.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerStatus is a point-in-time snapshot of one registered server.
type ServerStatus struct {
	ID        string
	Name      string
	Transport TransportKind
	State     State
	ToolCount int
	Message   string
}
