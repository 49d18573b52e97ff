package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tether/internal/agent"
	"github.com/MEKXH/tether/internal/audit"
	"github.com/MEKXH/tether/internal/bus"
	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/mcp"
	"github.com/MEKXH/tether/internal/metrics"
	"github.com/MEKXH/tether/internal/provider"
	"github.com/MEKXH/tether/internal/render"
	"github.com/MEKXH/tether/internal/session"
)

const chatSessionKey = "cli:direct"

func NewChatCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chat [message]",
		Short: "Chat with Tether",
		RunE:  runChat,
	}
}

func runChat(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	model, err := provider.NewChatModel(ctx, cfg)
	if err != nil {
		return err
	}

	statusBus := bus.New()
	defer statusBus.Close()

	registry := mcp.NewRegistry(mcp.DialOptions{
		CallTimeout:     cfg.ToolTimeoutDuration(),
		CancelOnTimeout: cfg.Agent.SendCancelOnTimeout,
	}, statusBus)
	defer registry.CloseAll()

	connectStartupServers(ctx, registry, cfg)

	sessions := session.NewManager(config.ConfigDir())
	loop := agent.NewLoop(cfg, agent.NewRegistryGateway(registry), model, sessions)
	loop.Audit = audit.NewWriter(config.ConfigDir())
	loop.Metrics = metrics.NewRecorder(config.ConfigDir())

	markdown, err := render.NewMarkdown(100)
	if err != nil {
		return fmt.Errorf("renderer: %w", err)
	}

	if len(args) > 0 {
		return submitOnce(ctx, loop, markdown, strings.Join(args, " "))
	}

	fmt.Println("Tether ready. Type 'exit' to quit, '/new' for a fresh session, '/sessions' to list them, '/servers' for status, '/stats' for tool metrics.")
	scanner := bufio.NewScanner(os.Stdin)

	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}

		input := strings.TrimSpace(scanner.Text())
		switch {
		case input == "":
			continue
		case input == "exit" || input == "quit":
			return nil
		case input == "/new":
			sessions.Reset(chatSessionKey)
			fmt.Println("Started a new session.")
			continue
		case input == "/servers":
			for _, status := range registry.Statuses() {
				fmt.Println(render.ServerStatusLine(status))
			}
			continue
		case input == "/stats":
			printToolStats(loop.Metrics.Snapshot())
			continue
		case input == "/sessions":
			keys := sessions.List()
			if len(keys) == 0 {
				fmt.Println("No saved sessions.")
				continue
			}
			for _, key := range keys {
				marker := " "
				if key == session.FileKey(chatSessionKey) {
					marker = "*"
				}
				fmt.Printf("%s %s\n", marker, key)
			}
			continue
		}

		// Ctrl-C abandons the current exchange but keeps the chat and its
		// server connections alive.
		submitCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
		err := submitOnce(submitCtx, loop, markdown, input)
		stop()
		if err != nil {
			fmt.Printf("Error: %v\n", err)
		}
	}

	return nil
}

func submitOnce(ctx context.Context, loop *agent.Loop, markdown render.Renderer, input string) error {
	result, err := loop.Submit(ctx, chatSessionKey, input)
	if err != nil {
		return err
	}

	if result.Cancelled {
		fmt.Println("(cancelled)")
		return nil
	}
	for _, warning := range result.Warnings {
		fmt.Printf("Warning: %s\n", warning)
	}

	think, main, hasThink := render.ResponseParts(result.Content, markdown)
	if hasThink && think != "" {
		fmt.Println(think)
	}
	fmt.Println(main)

	if result.Truncated {
		fmt.Println("(stopped at the turn limit)")
	}
	return nil
}

func printToolStats(snap metrics.Snapshot) {
	if !snap.HasData() {
		fmt.Println("No tool calls recorded yet this run.")
		return
	}
	fmt.Printf("Tool calls: %d (errors %d, timeouts %d)\n",
		snap.Tool.Total, snap.Tool.Errors, snap.Tool.Timeouts)
	fmt.Printf("Latency: avg %.0fms, last %dms, max %dms, p95~%dms\n",
		snap.Tool.AvgLatencyMs(), snap.Tool.LastLatencyMs, snap.Tool.MaxLatencyMs, snap.Tool.P95ProxyLatencyMs)
}

// connectStartupServers dials every auto_connect server in parallel. A server
// that fails to come up is reported and skipped; chat still starts.
func connectStartupServers(ctx context.Context, registry *mcp.Registry, cfg *config.Config) {
	identities := cfg.AutoConnectServers()
	if len(identities) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, identity := range identities {
		wg.Add(1)
		go func(identity mcp.ServerIdentity) {
			defer wg.Done()
			if _, err := registry.Connect(ctx, identity); err != nil {
				fmt.Printf("Warning: server %s failed to connect: %v\n", identity.ID, err)
			}
		}(identity)
	}
	wg.Wait()
}
