package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/revertd/revertd/internal/gateway"
	"github.com/revertd/revertd/journal"
	"github.com/revertd/revertd/storage"
	"github.com/revertd/revertd/types"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status and recent history",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := gateway.NewClient(cfg.Socket)
	st, err := client.Status(cmd.Context())
	if err != nil {
		fmt.Println("⚠️  Daemon not reachable, reading state directly")
		st, err = statusFromDisk(cfg.StateDir)
		if err != nil {
			return err
		}
	} else {
		fmt.Printf("💚 Daemon up %s\n", st.Uptime)
	}

	printCounts(st.Counts)

	if len(st.Recent) > 0 {
		fmt.Println("\nRecent activity:")
		for _, e := range st.Recent {
			line := fmt.Sprintf("  %s  %-13s %s",
				e.Timestamp.Local().Format("Jan 02 15:04:05"), e.Type, e.Path)
			if e.Error != "" {
				line += "  (" + e.Error + ")"
			}
			fmt.Println(line)
		}
	}
	return nil
}

// printCounts lists change counts by state, failures first because
// they need a human.
func printCounts(counts map[types.ChangeState]int) {
	if counts[types.StateRevertFailed] > 0 {
		fmt.Printf("🚨 REVERT FAILED: %d change(s) need manual attention\n", counts[types.StateRevertFailed])
	}
	order := []types.ChangeState{
		types.StatePending, types.StateConfirmed,
		types.StateReverted, types.StateRevertFailed,
	}
	for _, state := range order {
		if n := counts[state]; n > 0 {
			fmt.Printf("   %-13s %d\n", state, n)
		}
	}
	if len(counts) == 0 {
		fmt.Println("   no recorded changes")
	}
}

func statusFromDisk(stateDir string) (*gateway.StatusResponse, error) {
	store, err := storage.Open(stateDir)
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}
	defer func() { _ = store.Close() }()

	changes, err := store.ListChanges()
	if err != nil {
		return nil, err
	}
	counts := make(map[types.ChangeState]int)
	for _, c := range changes {
		counts[c.State]++
	}

	recent, err := journal.Tail(filepath.Join(stateDir, "journal"), 20)
	if err != nil {
		recent = nil
	}

	return &gateway.StatusResponse{Counts: counts, Recent: recent}, nil
}
