package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/revertd/revertd/internal/gateway"
	"github.com/revertd/revertd/snapshot"
	"github.com/revertd/revertd/storage"
	"github.com/revertd/revertd/types"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Inspect and restore snapshots",
}

var snapshotListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored snapshots, newest first",
	RunE:  runSnapshotList,
}

var snapshotRestoreCmd = &cobra.Command{
	Use:   "restore <snapshot-id>",
	Short: "Restore a snapshot's files to their original paths",
	Args:  cobra.ExactArgs(1),
	RunE:  runSnapshotRestore,
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove snapshots beyond the retention limit",
	Long: `Remove old snapshots beyond the configured retention limit.

Snapshots still referenced by a pending change are never removed. Runs
against the store directly and refuses to run while the daemon holds
the state database; the daemon prunes automatically after captures.`,
	RunE: runSnapshotPrune,
}

func init() {
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotRestoreCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)
}

func runSnapshotList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := gateway.NewClient(cfg.Socket)
	snaps, err := client.Snapshots(cmd.Context())
	if err != nil {
		// Listing only reads metadata files; safe without the daemon.
		store, serr := openSnapshotStore(cfg.StateDir, cfg.Snapshots.Max)
		if serr != nil {
			return serr
		}
		snaps, err = store.List()
		if err != nil {
			return err
		}
	}

	if len(snaps) == 0 {
		fmt.Println("No snapshots stored")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTAKEN\tKIND\tFILES\tSIZE\tDESCRIPTION")
	for _, s := range snaps {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			s.ID,
			s.TakenAt.Local().Format("2006-01-02 15:04:05"),
			s.Kind,
			len(s.Files),
			s.TotalSize(),
			s.Description,
		)
	}
	return w.Flush()
}

func runSnapshotRestore(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	id := args[0]

	client := gateway.NewClient(cfg.Socket)
	if err := client.RestoreSnapshot(cmd.Context(), id); err == nil {
		fmt.Printf("✅ Snapshot %s restored\n", id)
		return nil
	}

	// Daemon down: restore directly. Without a daemon there is no
	// watcher to suppress, so this is safe.
	store, err := openSnapshotStore(cfg.StateDir, cfg.Snapshots.Max)
	if err != nil {
		return err
	}
	if err := store.Restore(context.Background(), id); err != nil {
		return err
	}
	fmt.Printf("✅ Snapshot %s restored (daemon was not running)\n", id)
	return nil
}

func runSnapshotPrune(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	stateStore, err := storage.Open(cfg.StateDir)
	if err != nil {
		return fmt.Errorf("open state database (is the daemon running?): %w", err)
	}
	defer func() { _ = stateStore.Close() }()

	changes, err := stateStore.ListChanges()
	if err != nil {
		return err
	}
	referenced := make(map[string]struct{})
	for _, c := range changes {
		if c.State == types.StatePending || c.State == types.StateExpired {
			referenced[c.SnapshotID] = struct{}{}
		}
	}

	store, err := openSnapshotStore(cfg.StateDir, cfg.Snapshots.Max)
	if err != nil {
		return err
	}
	removed, err := store.Prune(cmd.Context(), referenced)
	if err != nil {
		return err
	}
	fmt.Printf("🧹 Pruned %d snapshot(s)\n", removed)
	return nil
}

func openSnapshotStore(stateDir string, maxKeep int) (*snapshot.Store, error) {
	return snapshot.New(filepath.Join(stateDir, "snapshots"), maxKeep, nil)
}
