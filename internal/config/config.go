package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/MEKXH/tether/internal/mcp"
)

// Config root configuration
type Config struct {
	Agent     AgentConfig             `mapstructure:"agent"`
	Servers   map[string]ServerConfig `mapstructure:"servers"`
	Providers ProvidersConfig         `mapstructure:"providers"`
	Log       LogConfig               `mapstructure:"log"`
}

// AgentConfig orchestration loop settings
type AgentConfig struct {
	Model               string  `mapstructure:"model"`
	MaxTokens           int     `mapstructure:"max_tokens"`
	Temperature         float64 `mapstructure:"temperature"`
	MaxTurns            int     `mapstructure:"max_turns"`
	ToolTimeout         int     `mapstructure:"tool_timeout"` // seconds
	SendCancelOnTimeout bool    `mapstructure:"send_cancel_on_timeout"`
	SystemPrompt        string  `mapstructure:"system_prompt"`
}

// ServerConfig one tool server record, keyed by server id in Config.Servers
type ServerConfig struct {
	Name      string            `mapstructure:"name"`
	Transport string            `mapstructure:"transport"`
	Command   string            `mapstructure:"command"`
	Args      []string          `mapstructure:"args"`
	Dir       string            `mapstructure:"dir"`
	Env       map[string]string `mapstructure:"env"`
	URL       string            `mapstructure:"url"`
	Headers   map[string]string `mapstructure:"headers"`
	Timeout   int               `mapstructure:"timeout"` // seconds
	Protocols []string          `mapstructure:"protocols"`
	// AutoConnect servers are dialed when a chat starts.
	AutoConnect bool `mapstructure:"auto_connect"`
}

// Identity converts the record into a dialable identity.
func (s ServerConfig) Identity(id string) mcp.ServerIdentity {
	name := strings.TrimSpace(s.Name)
	if name == "" {
		name = id
	}
	return mcp.ServerIdentity{
		ID:        id,
		Name:      name,
		Transport: mcp.TransportKind(strings.ToLower(strings.TrimSpace(s.Transport))),
		Command:   s.Command,
		Args:      s.Args,
		Dir:       s.Dir,
		Env:       s.Env,
		URL:       s.URL,
		Headers:   s.Headers,
		Timeout:   time.Duration(s.Timeout) * time.Second,
		Protocols: s.Protocols,
	}
}

// ProvidersConfig LLM provider settings
type ProvidersConfig struct {
	Claude     ProviderConfig `mapstructure:"claude"`
	OpenAI     ProviderConfig `mapstructure:"openai"`
	OpenRouter ProviderConfig `mapstructure:"openrouter"`
	DeepSeek   ProviderConfig `mapstructure:"deepseek"`
	Ollama     ProviderConfig `mapstructure:"ollama"`
}

// ProviderConfig single provider settings
type ProviderConfig struct {
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`
}

// LogConfig application logging settings
type LogConfig struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// DefaultConfig returns config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:       "anthropic/claude-sonnet-4-5",
			MaxTokens:   8192,
			Temperature: 0.7,
			MaxTurns:    10,
			ToolTimeout: 30,
		},
		Servers:   map[string]ServerConfig{},
		Providers: ProvidersConfig{},
		Log: LogConfig{
			Level: "info",
			File:  "",
		},
	}
}

// ConfigDir returns the tether config directory
func ConfigDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".tether")
}

// ConfigPath returns the config file path
func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// Load loads config from file or returns defaults
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := ConfigPath()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := Save(cfg); err != nil {
			return cfg, fmt.Errorf("failed to create default config: %w", err)
		}
		return cfg, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix("TETHER")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return cfg, err
	}

	if err := v.Unmarshal(cfg, func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.MatchName = func(mapKey, fieldName string) bool {
			return normalizeKey(mapKey) == normalizeKey(fieldName)
		}
	}); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func normalizeKey(input string) string {
	input = strings.ReplaceAll(input, "_", "")
	input = strings.ReplaceAll(input, "-", "")
	return strings.ToLower(input)
}

// Save saves config to file
func Save(cfg *Config) error {
	configPath := ConfigPath()

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(configPath, data, 0600)
}

// Validate checks that the configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	a := &c.Agent

	if a.MaxTurns < 0 {
		return fmt.Errorf("agent.max_turns must not be negative, got %d", a.MaxTurns)
	}
	if a.MaxTurns == 0 {
		a.MaxTurns = 10
	}

	if a.Temperature < 0 || a.Temperature > 2.0 {
		return fmt.Errorf("agent.temperature must be between 0 and 2.0, got %f", a.Temperature)
	}

	if a.MaxTokens <= 0 {
		return fmt.Errorf("agent.max_tokens must be > 0, got %d", a.MaxTokens)
	}

	if a.ToolTimeout < 0 {
		return fmt.Errorf("agent.tool_timeout must not be negative, got %d", a.ToolTimeout)
	}
	if a.ToolTimeout == 0 {
		a.ToolTimeout = 30
	}

	for id, server := range c.Servers {
		if err := server.Identity(id).Validate(); err != nil {
			return fmt.Errorf("servers.%s: %w", id, err)
		}
	}

	level := strings.ToLower(strings.TrimSpace(c.Log.Level))
	if level == "" {
		c.Log.Level = "info"
	} else {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[level] {
			return fmt.Errorf("log.level must be one of debug, info, warn, error; got %q", c.Log.Level)
		}
		c.Log.Level = level
	}

	return nil
}

// ToolTimeoutDuration is agent.tool_timeout as a duration.
func (c *Config) ToolTimeoutDuration() time.Duration {
	return time.Duration(c.Agent.ToolTimeout) * time.Second
}

// AutoConnectServers returns the identities of every auto_connect server.
func (c *Config) AutoConnectServers() []mcp.ServerIdentity {
	var identities []mcp.ServerIdentity
	for id, server := range c.Servers {
		if server.AutoConnect {
			identities = append(identities, server.Identity(id))
		}
	}
	return identities
}
