package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/revertd/revertd/internal/gateway"
	"github.com/revertd/revertd/types"
)

var confirmCmd = &cobra.Command{
	Use:   "confirm <change-id|path>",
	Short: "Confirm a pending change",
	Long: `Confirm a pending configuration change so it is NOT reverted.

The argument is either the change ID printed when the change was
detected, or the absolute path of the watched file.`,
	Example: `  revertd confirm 5f2b1c3a-...                  # by change ID
  revertd confirm /etc/ssh/sshd_config          # by watched path`,
	Args: cobra.ExactArgs(1),
	RunE: runConfirm,
}

func init() {
	rootCmd.AddCommand(confirmCmd)
}

func runConfirm(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := gateway.NewClient(cfg.Socket)
	change, err := client.Confirm(cmd.Context(), args[0])
	if err != nil {
		var npe *types.NotPendingError
		if errors.As(err, &npe) {
			if npe.State != "" {
				return fmt.Errorf("change %s is not pending (state: %s)", args[0], npe.State)
			}
			return fmt.Errorf("no pending change matches %q", args[0])
		}
		return err
	}

	fmt.Printf("✅ Change confirmed\n")
	fmt.Printf("   ID: %s\n", change.ID)
	fmt.Printf("   Path: %s\n", change.Path)
	fmt.Printf("   Confirmed at: %s\n", change.ConfirmedAt.Local().Format(time.RFC1123))
	return nil
}
