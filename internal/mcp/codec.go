package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

const jsonRPCVersion = "2.0"

// protocolVersion is what the client offers at handshake. Older versions in
// supportedProtocolVersions are accepted when a server advertises them.
const protocolVersion = "2024-11-05"

var supportedProtocolVersions = []string{"2024-11-05", "2024-10-07"}

// MessageKind tags the decoded variant of a wire envelope.
type MessageKind int

const (
	KindResponse MessageKind = iota
	KindError
	KindNotification
	KindRequest
)

func (k MessageKind) String() string {
	switch k {
	case KindResponse:
		return "response"
	case KindError:
		return "error"
	case KindNotification:
		return "notification"
	case KindRequest:
		return "request"
	default:
		return "unknown"
	}
}

// RPCError is the error member of a JSON-RPC envelope.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Message is one decoded inbound envelope. ID is populated for responses and
// errors (client-issued ids are numeric); RawID preserves the verbatim id of
// inbound requests so replies can echo whatever the server chose.
type Message struct {
	Kind   MessageKind
	ID     uint64
	RawID  json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Err    *RPCError
}

type wireEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// decodeMessage classifies one frame. All failures are *ProtocolError; the
// caller decides whether repeated failures are fatal.
func decodeMessage(frame []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Message{}, &ProtocolError{Err: fmt.Errorf("decode envelope: %w", err)}
	}
	if env.JSONRPC != jsonRPCVersion {
		return Message{}, &ProtocolError{Err: fmt.Errorf("unexpected jsonrpc version %q", env.JSONRPC)}
	}

	hasID := len(env.ID) > 0 && !bytes.Equal(env.ID, []byte("null"))

	switch {
	case env.Method != "" && !hasID:
		return Message{Kind: KindNotification, Method: env.Method, Params: env.Params}, nil

	case env.Method != "" && hasID:
		return Message{Kind: KindRequest, RawID: env.ID, Method: env.Method, Params: env.Params}, nil

	case hasID && env.Error != nil:
		id, err := parseRequestID(env.ID)
		if err != nil {
			return Message{}, &ProtocolError{Err: err}
		}
		return Message{Kind: KindError, ID: id, RawID: env.ID, Err: env.Error}, nil

	case hasID && len(env.Result) > 0:
		id, err := parseRequestID(env.ID)
		if err != nil {
			return Message{}, &ProtocolError{Err: err}
		}
		return Message{Kind: KindResponse, ID: id, RawID: env.ID, Result: env.Result}, nil

	default:
		return Message{}, &ProtocolError{Err: fmt.Errorf("envelope is neither request, response nor notification")}
	}
}

// parseRequestID accepts the numeric ids this client issues, plus their quoted
// form for servers that echo ids as strings.
func parseRequestID(raw json.RawMessage) (uint64, error) {
	s := string(bytes.TrimSpace(raw))
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unparsable response id %s", string(raw))
	}
	return id, nil
}

func encodeRequest(id uint64, method string, params any) ([]byte, error) {
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      id,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", method, err)
	}
	return frame, nil
}

func encodeNotification(method string, params any) ([]byte, error) {
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"method":  method,
		"params":  params,
	})
	if err != nil {
		return nil, fmt.Errorf("encode notification %s: %w", method, err)
	}
	return frame, nil
}

func encodeResult(rawID json.RawMessage, result any) ([]byte, error) {
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      rawID,
		"result":  result,
	})
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return frame, nil
}

func encodeError(rawID json.RawMessage, code int, message string) ([]byte, error) {
	frame, err := json.Marshal(map[string]any{
		"jsonrpc": jsonRPCVersion,
		"id":      rawID,
		"error": RPCError{
			Code:    code,
			Message: message,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encode error: %w", err)
	}
	return frame, nil
}

func protocolVersionSupported(version string) bool {
	for _, v := range supportedProtocolVersions {
		if v == version {
			return true
		}
	}
	return false
}
