package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/mcp"
	"github.com/MEKXH/tether/internal/render"
)

const serverProbeTimeout = 8 * time.Second

var probeServer = dialAndProbe

func NewServersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "servers",
		Short: "Manage tool servers",
	}

	cmd.AddCommand(
		newServersListCmd(),
		newServersProbeCmd(),
		newServersToolsCmd(),
		newServersCallCmd(),
		newServersResourcesCmd(),
		newServersEnableCmd(),
		newServersDisableCmd(),
	)

	return cmd
}

func newServersListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List configured servers",
		RunE:  runServersList,
	}
}

func newServersProbeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe [server]",
		Short: "Dial servers and report their health",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runServersProbe,
	}
}

func newServersToolsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tools <server>",
		Short: "List the tools a server exposes",
		Args:  cobra.ExactArgs(1),
		RunE:  runServersTools,
	}
}

func newServersCallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "call <server> <tool> [json-args]",
		Short: "Call one tool directly, bypassing the model",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runServersCall,
	}
}

func newServersResourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resources <server> [uri]",
		Short: "List a server's resources, or read one by URI",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runServersResources,
	}
}

func newServersEnableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "enable <server>",
		Short: "Connect a server automatically when chat starts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAutoConnect(strings.TrimSpace(args[0]), true)
		},
	}
}

func newServersDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable <server>",
		Short: "Stop connecting a server automatically",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return setAutoConnect(strings.TrimSpace(args[0]), false)
		},
	}
}

func runServersList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if len(cfg.Servers) == 0 {
		fmt.Println("No servers configured. Add one under \"servers\" in the config file.")
		return nil
	}

	fmt.Println("Configured servers:")
	for _, id := range sortedServerIDs(cfg.Servers) {
		server := cfg.Servers[id]
		auto := ""
		if server.AutoConnect {
			auto = " [auto]"
		}
		fmt.Printf("  %-16s %-10s %s%s\n", id, server.Transport, serverTarget(server), auto)
	}

	return nil
}

func runServersProbe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	ids := sortedServerIDs(cfg.Servers)
	if len(args) == 1 {
		id := strings.TrimSpace(args[0])
		if _, ok := cfg.Servers[id]; !ok {
			return fmt.Errorf("server not found: %s", id)
		}
		ids = []string{id}
	}
	if len(ids) == 0 {
		fmt.Println("No servers configured.")
		return nil
	}

	for _, id := range ids {
		status, probeErr := probeWithTimeout(cfg.Servers[id].Identity(id))
		if probeErr != nil {
			status = mcp.ServerStatus{
				ID:        id,
				Name:      cfg.Servers[id].Name,
				Transport: mcp.TransportKind(cfg.Servers[id].Transport),
				State:     mcp.StateDisconnected,
				Message:   probeErr.Error(),
			}
		}
		fmt.Println(render.ServerStatusLine(status))
	}

	return nil
}

func runServersTools(cmd *cobra.Command, args []string) error {
	return withProbedConn(strings.TrimSpace(args[0]), func(ctx context.Context, conn *mcp.Conn) error {
		tools, err := conn.ListTools(ctx)
		if err != nil {
			return err
		}
		if len(tools) == 0 {
			fmt.Println("No tools.")
			return nil
		}
		for _, tool := range tools {
			desc := tool.Description
			if desc == "" {
				desc = "(no description)"
			}
			fmt.Printf("  %-32s %s\n", tool.Name, desc)
		}
		return nil
	})
}

func runServersCall(cmd *cobra.Command, args []string) error {
	toolArgs := map[string]any{}
	if len(args) == 3 && strings.TrimSpace(args[2]) != "" {
		if err := json.Unmarshal([]byte(args[2]), &toolArgs); err != nil {
			return fmt.Errorf("arguments are not valid JSON: %w", err)
		}
	}

	return withProbedConn(strings.TrimSpace(args[0]), func(ctx context.Context, conn *mcp.Conn) error {
		result, err := conn.CallTool(ctx, strings.TrimSpace(args[1]), toolArgs, 0)
		if err != nil {
			return err
		}
		if result.Content == "" {
			fmt.Println("(tool returned no output)")
			return nil
		}
		fmt.Println(result.Content)
		return nil
	})
}

func runServersResources(cmd *cobra.Command, args []string) error {
	return withProbedConn(strings.TrimSpace(args[0]), func(ctx context.Context, conn *mcp.Conn) error {
		if len(args) == 2 {
			contents, err := conn.ReadResource(ctx, args[1])
			if err != nil {
				return err
			}
			if contents.Text != "" {
				fmt.Println(contents.Text)
			} else {
				fmt.Printf("(binary resource, %s, %d bytes base64)\n", contents.MimeType, len(contents.Blob))
			}
			return nil
		}

		resources, err := conn.ListResources(ctx)
		if err != nil {
			return err
		}
		if len(resources) == 0 {
			fmt.Println("No resources.")
			return nil
		}
		for _, resource := range resources {
			fmt.Printf("  %-48s %s\n", resource.URI, resource.Name)
		}
		return nil
	})
}

func setAutoConnect(id string, enabled bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	server, ok := cfg.Servers[id]
	if !ok {
		return fmt.Errorf("server not found: %s", id)
	}

	server.AutoConnect = enabled
	cfg.Servers[id] = server
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if enabled {
		fmt.Printf("Server %s will connect automatically.\n", id)
	} else {
		fmt.Printf("Server %s will no longer connect automatically.\n", id)
	}
	return nil
}

// withProbedConn dials one configured server for the duration of a single
// command and closes it afterwards.
func withProbedConn(id string, fn func(context.Context, *mcp.Conn) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	server, ok := cfg.Servers[id]
	if !ok {
		return fmt.Errorf("server not found: %s", id)
	}

	ctx, cancel := context.WithTimeout(context.Background(), serverProbeTimeout)
	defer cancel()

	conn, err := mcp.Dial(ctx, server.Identity(id), mcp.DialOptions{})
	if err != nil {
		return fmt.Errorf("connect %s: %w", id, err)
	}
	defer conn.Close()

	return fn(ctx, conn)
}

func probeWithTimeout(identity mcp.ServerIdentity) (mcp.ServerStatus, error) {
	ctx, cancel := context.WithTimeout(context.Background(), serverProbeTimeout)
	defer cancel()

	return probeServer(ctx, identity)
}

func dialAndProbe(ctx context.Context, identity mcp.ServerIdentity) (mcp.ServerStatus, error) {
	conn, err := mcp.Dial(ctx, identity, mcp.DialOptions{})
	if err != nil {
		return mcp.ServerStatus{}, err
	}
	defer conn.Close()

	tools, err := conn.ListTools(ctx)
	if err != nil {
		return mcp.ServerStatus{}, err
	}

	return mcp.ServerStatus{
		ID:        identity.ID,
		Name:      conn.ServerInfo().Name,
		Transport: identity.Transport,
		State:     mcp.StateReady,
		ToolCount: len(tools),
	}, nil
}

func sortedServerIDs(servers map[string]config.ServerConfig) []string {
	ids := make([]string, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func serverTarget(server config.ServerConfig) string {
	switch strings.ToLower(strings.TrimSpace(server.Transport)) {
	case "stdio":
		if len(server.Args) == 0 {
			return server.Command
		}
		return server.Command + " " + strings.Join(server.Args, " ")
	default:
		return server.URL
	}
}
