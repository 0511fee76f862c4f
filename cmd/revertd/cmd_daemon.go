package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/revertd/revertd/internal/daemon"
	"github.com/revertd/revertd/telemetry"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the revertd daemon",
	Long: `Run the revertd daemon in the foreground.

The daemon watches the configured paths, snapshots every change before
it lands, and reverts any change that is not confirmed before its
deadline. Confirmations arrive over the control socket (revertd
confirm), metrics are exposed for Prometheus, and every transition is
journaled.`,
	Example: `  revertd daemon                                  # /etc/revertd/config.yaml
  revertd daemon --config ./config.yaml           # explicit config`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdown, err := telemetry.InitOTEL(ctx, telemetry.Config{
		ServiceName:    "revertd",
		ServiceVersion: version,
		OTELEndpoint:   cfg.OTELEndpoint,
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
		defer c()
		_ = shutdown(shutdownCtx)
	}()

	fmt.Printf("🛡️  Starting revertd...\n")
	fmt.Printf("   Config: %s\n", configPath)
	fmt.Printf("   State dir: %s\n", cfg.StateDir)
	fmt.Printf("   Socket: %s\n", cfg.Socket)
	fmt.Printf("   Watched paths: %d\n\n", len(cfg.Watch.Paths))

	d, err := daemon.New(cfg)
	if err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	if cfg.MetricsListen != "" {
		fmt.Printf("📊 Metrics: http://%s/metrics\n", hostFor(cfg.MetricsListen))
	}
	fmt.Println("✨ Daemon running (Ctrl+C to stop)...")

	if err := d.Run(ctx); err != nil {
		return fmt.Errorf("daemon error: %w", err)
	}

	fmt.Println("\n👋 Daemon stopped")
	return nil
}

func hostFor(listen string) string {
	if len(listen) > 0 && listen[0] == ':' {
		return "localhost" + listen
	}
	return listen
}
