package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/revertd/revertd/config"
)

var (
	version    = "0.1.0"
	configPath string

	rootCmd = &cobra.Command{
		Use:   "revertd",
		Short: "Dead-man's-switch for configuration changes",
		Long: `Revertd - Dead-man's-switch for configuration changes

Revertd watches your network, SSH, firewall and service configuration.
When a watched file changes it captures a snapshot of the previous
state and starts a confirmation deadline. Confirm the change in time
and life goes on; miss the deadline and revertd restores the snapshot,
so a bad firewall push cannot lock you out for good.`,
		Version: version,
	}
)

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.SetVersionTemplate(`Revertd {{.Version}} - Dead-man's-switch for configuration changes
`)
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/revertd/config.yaml", "Path to configuration file")
}

// loadConfig reads the configured file, falling back to built-in
// defaults when the default path does not exist yet.
func loadConfig() (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if !rootCmd.PersistentFlags().Changed("config") {
			return config.DefaultConfig(), nil
		}
		return nil, fmt.Errorf("config file %s does not exist", configPath)
	}
	return config.Load(configPath)
}
