package mcp

import (
	"fmt"
	"time"
)

// JSON-RPC error codes used on the wire.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602
	codeInternalError  = -32603
)

// TransportError wraps any I/O, framing, or process failure on a transport.
// It is always fatal to the owning Conn.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed frame. A single occurrence is recoverable;
// the Conn gives up after three consecutive undecodable frames.
type ProtocolError struct {
	Err error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol: %v", e.Err)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// IncompatibleProtocolError means the server advertised a protocol version the
// client cannot speak. Raised during handshake, fatal to the Conn.
type IncompatibleProtocolError struct {
	Server  string
	Version string
}

func (e *IncompatibleProtocolError) Error() string {
	return fmt.Sprintf("server %s advertises unsupported protocol version %q", e.Server, e.Version)
}

// NotReadyError means an operation was attempted on a Conn that has not
// completed its handshake, or has already been torn down.
type NotReadyError struct {
	Server string
	State  State
}

func (e *NotReadyError) Error() string {
	return fmt.Sprintf("server %s is not ready (state=%s)", e.Server, e.State)
}

// ToolError carries a server-reported application-level failure. It is
// non-fatal to the Conn.
type ToolError struct {
	Code    int
	Message string
	Data    any
}

func (e *ToolError) Error() string {
	if e.Code == 0 {
		return e.Message
	}
	return fmt.Sprintf("tool error %d: %s", e.Code, e.Message)
}

// TimeoutError resolves a pending request whose deadline passed before a
// response arrived. The Conn stays usable; a late response is discarded.
type TimeoutError struct {
	Method string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Method, e.After)
}

// ConnectionClosedError is delivered to every request still pending when the
// Conn disconnects.
type ConnectionClosedError struct {
	Server string
	Cause  error
}

func (e *ConnectionClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("connection to %s closed: %v", e.Server, e.Cause)
	}
	return fmt.Sprintf("connection to %s closed", e.Server)
}

func (e *ConnectionClosedError) Unwrap() error { return e.Cause }

// ServerUnavailableError is synthesized by callers routing a tool call to a
// server whose Conn is not Ready, without touching any transport.
type ServerUnavailableError struct {
	Server string
}

func (e *ServerUnavailableError) Error() string {
	return fmt.Sprintf("server %s is unavailable", e.Server)
}
