package commands

import (
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/MEKXH/tether/internal/config"
)

var logLevelOverride string

// NewRootCmd creates the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tether",
		Short: "Tether - MCP client and tool-using chat agent",
		Long:  `Tether connects LLMs to MCP tool servers over stdio, HTTP, and WebSocket.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Local .env is optional; absence is not an error.
			_ = godotenv.Load()

			if cmd.Name() == "init" {
				return configureLogger(config.DefaultConfig(), logLevelOverride)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return configureLogger(cfg, logLevelOverride)
		},
	}

	cmd.PersistentFlags().StringVar(&logLevelOverride, "log-level", "", "Override log level (debug|info|warn|error)")

	cmd.AddCommand(
		NewInitCmd(),
		NewChatCmd(),
		NewServersCmd(),
		NewVersionCmd(),
	)

	return cmd
}
