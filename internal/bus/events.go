package bus

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/MEKXH/tether/internal/mcp"
)

type requestIDContextKey struct{}

// StatusEvent announces a server lifecycle change to subscribers.
type StatusEvent struct {
	Status    mcp.ServerStatus
	Timestamp time.Time
}

// NewRequestID creates a request id for tracing.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request id to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestIDContextKey{}, requestID)
}

// RequestIDFromContext reads request id from context.
func RequestIDFromContext(ctx context.Context) string {
	v := ctx.Value(requestIDContextKey{})
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
