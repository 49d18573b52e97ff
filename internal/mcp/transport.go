package mcp

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransportClosed is returned by Receive once the transport has been
// closed, deliberately or by the peer.
var ErrTransportClosed = errors.New("transport closed")

// Transport is a point-to-point byte-stream carrying whole message frames.
// Receive blocks until a full frame is available; it is called from a single
// reader goroutine per Conn, since most transports are not safe for
// concurrent reads. Send may be called from any goroutine. Close is
// idempotent and releases every underlying resource; it also unblocks a
// pending Receive.
type Transport interface {
	Send(ctx context.Context, frame []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

func openTransport(ctx context.Context, identity ServerIdentity) (Transport, error) {
	switch identity.Transport {
	case TransportStdio:
		return openStdioTransport(ctx, identity)
	case TransportHTTP:
		return openHTTPTransport(ctx, identity)
	case TransportWebSocket:
		return openWebSocketTransport(ctx, identity)
	default:
		return nil, &TransportError{Op: "open", Err: fmt.Errorf("unknown transport kind %q", identity.Transport)}
	}
}
