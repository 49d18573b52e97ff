package agent

import (
	"context"
	"time"

	"github.com/MEKXH/tether/internal/mcp"
)

// ToolGateway is what the loop needs from the connection layer: a merged
// catalog snapshot and a way to route one call to one server.
type ToolGateway interface {
	Catalog(ctx context.Context) *mcp.Catalog
	Call(ctx context.Context, serverID, rawName string, args map[string]any, timeout time.Duration) (mcp.ToolResult, error)
	Statuses() []mcp.ServerStatus
}

type registryGateway struct {
	registry *mcp.Registry
}

// NewRegistryGateway adapts an mcp.Registry into a ToolGateway.
func NewRegistryGateway(registry *mcp.Registry) ToolGateway {
	return &registryGateway{registry: registry}
}

func (g *registryGateway) Catalog(ctx context.Context) *mcp.Catalog {
	return mcp.MergeCatalog(ctx, g.registry.Ready())
}

func (g *registryGateway) Call(ctx context.Context, serverID, rawName string, args map[string]any, timeout time.Duration) (mcp.ToolResult, error) {
	conn, err := g.registry.Get(serverID)
	if err != nil {
		return mcp.ToolResult{}, err
	}
	return conn.CallTool(ctx, rawName, args, timeout)
}

func (g *registryGateway) Statuses() []mcp.ServerStatus {
	return g.registry.Statuses()
}
