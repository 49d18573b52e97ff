package commands

import (
	"context"
	"strings"
	"testing"

	"github.com/MEKXH/tether/internal/config"
	"github.com/MEKXH/tether/internal/mcp"
)

func TestServersList_ShowsConfiguredServers(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	output := captureOutput(t, func() {
		if err := runServersList(nil, nil); err != nil {
			t.Fatalf("runServersList: %v", err)
		}
	})

	if !strings.Contains(output, "localfs") {
		t.Fatalf("expected localfs in output, got: %s", output)
	}
	if !strings.Contains(output, "npx -y") {
		t.Fatalf("expected stdio command target in output, got: %s", output)
	}
}

func TestServersProbe_ReportsHealthyServer(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	origProbe := probeServer
	probeServer = func(ctx context.Context, identity mcp.ServerIdentity) (mcp.ServerStatus, error) {
		return mcp.ServerStatus{
			ID:        identity.ID,
			Transport: identity.Transport,
			State:     mcp.StateReady,
			ToolCount: 3,
		}, nil
	}
	defer func() { probeServer = origProbe }()

	output := captureOutput(t, func() {
		if err := runServersProbe(nil, []string{"localfs"}); err != nil {
			t.Fatalf("runServersProbe: %v", err)
		}
	})

	if !strings.Contains(output, "localfs") || !strings.Contains(output, "3 tools") {
		t.Fatalf("expected healthy status line, got: %s", output)
	}
}

func TestServersProbe_ReportsFailureAsDisconnected(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	origProbe := probeServer
	probeServer = func(ctx context.Context, identity mcp.ServerIdentity) (mcp.ServerStatus, error) {
		return mcp.ServerStatus{}, &mcp.TransportError{Op: "dial", Err: context.DeadlineExceeded}
	}
	defer func() { probeServer = origProbe }()

	output := captureOutput(t, func() {
		if err := runServersProbe(nil, []string{"localfs"}); err != nil {
			t.Fatalf("runServersProbe: %v", err)
		}
	})

	if !strings.Contains(output, "disconnected") {
		t.Fatalf("expected disconnected status line, got: %s", output)
	}
}

func TestServersProbe_UnknownServer(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	if err := runServersProbe(nil, []string{"nope"}); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestServersEnableDisable_FlipAutoConnect(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	if err := setAutoConnect("localfs", true); err != nil {
		t.Fatalf("enable: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if !cfg.Servers["localfs"].AutoConnect {
		t.Fatal("expected auto_connect enabled")
	}

	if err := setAutoConnect("localfs", false); err != nil {
		t.Fatalf("disable: %v", err)
	}
	cfg, err = config.Load()
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	if cfg.Servers["localfs"].AutoConnect {
		t.Fatal("expected auto_connect disabled")
	}
}

func TestServersCall_RejectsInvalidJSONArgs(t *testing.T) {
	prepareWorkspace(t)
	seedServerConfig(t)

	err := runServersCall(nil, []string{"localfs", "read_file", "{not json"})
	if err == nil || !strings.Contains(err.Error(), "not valid JSON") {
		t.Fatalf("expected JSON argument error, got %v", err)
	}
}

func TestSetAutoConnect_UnknownServer(t *testing.T) {
	prepareWorkspace(t)

	if err := setAutoConnect("missing", true); err == nil {
		t.Fatal("expected error for unknown server")
	}
}

func TestSortedServerIDs_Sorted(t *testing.T) {
	servers := map[string]config.ServerConfig{
		"zeta":  {},
		"alpha": {},
		"mid":   {},
	}

	ids := sortedServerIDs(servers)
	want := []string{"alpha", "mid", "zeta"}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestServerTarget(t *testing.T) {
	stdio := config.ServerConfig{Transport: "stdio", Command: "uv", Args: []string{"run", "server.py"}}
	if got := serverTarget(stdio); got != "uv run server.py" {
		t.Fatalf("stdio target: %q", got)
	}

	ws := config.ServerConfig{Transport: "websocket", URL: "ws://localhost:9000/mcp"}
	if got := serverTarget(ws); got != "ws://localhost:9000/mcp" {
		t.Fatalf("websocket target: %q", got)
	}
}

func TestServersCommand_RegisteredInRoot(t *testing.T) {
	root := NewRootCmd()
	found, _, err := root.Find([]string{"servers", "probe"})
	if err != nil {
		t.Fatalf("find servers probe command: %v", err)
	}
	if found == nil || found.Name() != "probe" {
		t.Fatalf("expected probe command, got %#v", found)
	}
}
