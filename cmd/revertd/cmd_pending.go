package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/revertd/revertd/internal/gateway"
	"github.com/revertd/revertd/storage"
	"github.com/revertd/revertd/types"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List changes awaiting confirmation",
	Long: `List pending configuration changes and their remaining windows.

Talks to the running daemon; when the daemon is down, reads the state
database directly (read-only view, deadlines may already have been
missed).`,
	RunE: runPending,
}

func init() {
	rootCmd.AddCommand(pendingCmd)
}

func runPending(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := gateway.NewClient(cfg.Socket)
	items, err := client.Pending(cmd.Context())
	if err != nil {
		items, err = pendingFromStore(cfg.StateDir)
		if err != nil {
			return err
		}
		fmt.Println("⚠️  Daemon not reachable, reading state database directly")
	}

	if len(items) == 0 {
		fmt.Println("✅ No pending changes")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPATH\tCATEGORY\tDEADLINE\tREMAINING")
	for _, item := range items {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			item.ID,
			item.Path,
			item.Category,
			item.Deadline.Local().Format("15:04:05"),
			item.Remaining,
		)
	}
	return w.Flush()
}

// pendingFromStore is the offline fallback when no daemon is running.
func pendingFromStore(stateDir string) ([]gateway.PendingItem, error) {
	store, err := storage.Open(stateDir)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	defer func() { _ = store.Close() }()

	changes, err := store.ListChanges(types.StatePending)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	items := make([]gateway.PendingItem, 0, len(changes))
	for _, c := range changes {
		items = append(items, gateway.PendingItem{
			PendingChange: c,
			Remaining:     c.Remaining(now).Round(time.Second).String(),
		})
	}
	return items, nil
}
