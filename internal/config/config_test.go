package config

import (
	"testing"
	"time"

	"github.com/MEKXH/tether/internal/mcp"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("expected MaxTurns=10, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.Temperature != 0.7 {
		t.Errorf("expected Temperature=0.7, got %f", cfg.Agent.Temperature)
	}
	if cfg.Agent.ToolTimeout != 30 {
		t.Errorf("expected ToolTimeout=30, got %d", cfg.Agent.ToolTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Log.Level)
	}
}

func TestValidateAppliesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Agent.MaxTurns = 0
	cfg.Agent.ToolTimeout = 0
	cfg.Log.Level = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Agent.MaxTurns != 10 {
		t.Errorf("MaxTurns default not applied, got %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.ToolTimeout != 30 {
		t.Errorf("ToolTimeout default not applied, got %d", cfg.Agent.ToolTimeout)
	}
	if cfg.Log.Level != "info" {
		t.Errorf("log level default not applied, got %q", cfg.Log.Level)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative max_turns", func(c *Config) { c.Agent.MaxTurns = -1 }},
		{"temperature out of range", func(c *Config) { c.Agent.Temperature = 3.0 }},
		{"zero max_tokens", func(c *Config) { c.Agent.MaxTokens = 0 }},
		{"unknown log level", func(c *Config) { c.Log.Level = "verbose" }},
		{"server id with dot", func(c *Config) {
			c.Servers = map[string]ServerConfig{
				"my.server": {Transport: "stdio", Command: "srv"},
			}
		}},
		{"stdio server without command", func(c *Config) {
			c.Servers = map[string]ServerConfig{
				"files": {Transport: "stdio"},
			}
		}},
		{"http server without url", func(c *Config) {
			c.Servers = map[string]ServerConfig{
				"remote": {Transport: "http"},
			}
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("Validate accepted an invalid config")
			}
		})
	}
}

func TestServerConfigIdentity(t *testing.T) {
	sc := ServerConfig{
		Transport: "WebSocket",
		URL:       "wss://example.com/mcp",
		Headers:   map[string]string{"Authorization": "Bearer token"},
		Timeout:   15,
	}

	identity := sc.Identity("remote")
	if identity.ID != "remote" || identity.Name != "remote" {
		t.Fatalf("identity = %+v", identity)
	}
	if identity.Transport != mcp.TransportWebSocket {
		t.Fatalf("transport = %q", identity.Transport)
	}
	if identity.Timeout != 15*time.Second {
		t.Fatalf("timeout = %s", identity.Timeout)
	}
	if err := identity.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestAutoConnectServers(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers = map[string]ServerConfig{
		"files":  {Transport: "stdio", Command: "files-server", AutoConnect: true},
		"remote": {Transport: "http", URL: "https://example.com/mcp"},
	}

	identities := cfg.AutoConnectServers()
	if len(identities) != 1 {
		t.Fatalf("got %d auto-connect servers, want 1", len(identities))
	}
	if identities[0].ID != "files" {
		t.Fatalf("auto-connect server = %q", identities[0].ID)
	}
}
