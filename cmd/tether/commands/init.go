package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/MEKXH/tether/internal/config"
)

func NewInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize Tether configuration",
		RunE:  runInit,
	}
}

func runInit(cmd *cobra.Command, args []string) error {
	configPath := config.ConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists: %s\n", configPath)
		return nil
	}

	dirs := []string{
		config.ConfigDir(),
		filepath.Join(config.ConfigDir(), "sessions"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	cfg := config.DefaultConfig()
	if err := config.Save(cfg); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	fmt.Printf("Tether initialized!\n")
	fmt.Printf("Config: %s\n", configPath)
	fmt.Printf("\nNext steps:\n")
	fmt.Printf("1. Edit %s to add a provider api_key and your tool servers\n", configPath)
	fmt.Printf("2. Run 'tether servers probe' to check server connectivity\n")
	fmt.Printf("3. Run 'tether chat' to start chatting\n")

	return nil
}
