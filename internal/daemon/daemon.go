// Package daemon assembles the revertd components and runs them as
// one actor group: watcher, scheduler, engine, gateway and the
// metrics server all stop together on the first error or signal.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/oklog/run"

	"github.com/revertd/revertd/config"
	"github.com/revertd/revertd/engine"
	"github.com/revertd/revertd/internal/gateway"
	"github.com/revertd/revertd/journal"
	"github.com/revertd/revertd/payload"
	"github.com/revertd/revertd/scheduler"
	"github.com/revertd/revertd/snapshot"
	"github.com/revertd/revertd/storage"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/watcher"
)

// Daemon owns every long-lived component. Construction opens the
// stores; Run drives the actors until the context is cancelled.
type Daemon struct {
	cfg    *config.Config
	logger *telemetry.Logger

	store *storage.Store
	jrnl  *journal.Journal
	snaps *snapshot.Store
	sched *scheduler.Scheduler
	watch *watcher.Watcher
	eng   *engine.Engine
	gw    *gateway.Server
}

// New wires the full component graph from configuration. Everything
// shares the one state store; in-memory timer state is a cache over
// it, which is what makes restart recovery possible.
func New(cfg *config.Config) (*Daemon, error) {
	store, err := storage.Open(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	journalDir := filepath.Join(cfg.StateDir, "journal")
	jrnl, err := journal.Open(journalDir)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}

	var producers []payload.Producer
	if cfg.Snapshots.Docker.Enabled {
		producers, err = payload.BuildAll(payloadConfig(cfg))
		if err != nil {
			_ = jrnl.Close()
			_ = store.Close()
			return nil, fmt.Errorf("build payload producers: %w", err)
		}
	}

	snaps, err := snapshot.New(filepath.Join(cfg.StateDir, "snapshots"), cfg.Snapshots.Max, producers)
	if err != nil {
		_ = jrnl.Close()
		_ = store.Close()
		return nil, fmt.Errorf("open snapshot store: %w", err)
	}

	sched := scheduler.New(store)
	watch := watcher.New(cfg)
	eng := engine.New(cfg, store, snaps, sched, jrnl, watch.Events(), sched.Expired(), watch)
	gw := gateway.NewServer(cfg.Socket, eng, snaps, journalDir)

	return &Daemon{
		cfg:    cfg,
		logger: telemetry.NewLogger("daemon"),
		store:  store,
		jrnl:   jrnl,
		snaps:  snaps,
		sched:  sched,
		watch:  watch,
		eng:    eng,
		gw:     gw,
	}, nil
}

// Run recovers persisted state, then runs every component as an
// oklog/run actor. Recovery completes before any actor starts, so a
// change that expired while the daemon was down is reverted before the
// watcher or gateway can touch it.
func (d *Daemon) Run(ctx context.Context) error {
	defer d.close()

	if err := d.eng.Recover(ctx); err != nil {
		return fmt.Errorf("startup recovery: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var g run.Group

	g.Add(func() error { return d.sched.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return d.eng.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return d.watch.Run(ctx) }, func(error) { cancel() })
	g.Add(func() error { return d.gw.Run(ctx) }, func(error) { cancel() })

	if d.cfg.MetricsListen != "" {
		g.Add(func() error { return runMetricsServer(ctx, d.cfg.MetricsListen, d.logger) },
			func(error) { cancel() })
	}

	g.Add(func() error { return d.runJournalCleanup(ctx) }, func(error) { cancel() })

	d.logger.Info().
		Str("state_dir", d.cfg.StateDir).
		Str("socket", d.cfg.Socket).
		Int("watch_paths", len(d.cfg.Watch.Paths)).
		Msg("revertd running")

	err := g.Run()
	if err != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// runJournalCleanup prunes old journal files once a day.
func (d *Daemon) runJournalCleanup(ctx context.Context) error {
	dir := filepath.Join(d.cfg.StateDir, "journal")
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := journal.Cleanup(dir, d.cfg.Journal.MaxAge.Std(), d.cfg.Journal.MaxFiles)
			if err != nil {
				d.logger.Warn().Err(err).Msg("journal cleanup failed")
				continue
			}
			if stats.FilesRemoved > 0 {
				d.logger.Info().Int("removed", stats.FilesRemoved).Msg("journal files pruned")
			}
		}
	}
}

func (d *Daemon) close() {
	if err := d.jrnl.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("close journal failed")
	}
	if err := d.store.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("close state store failed")
	}
}

func payloadConfig(cfg *config.Config) payload.Config {
	pc := payload.Config{Volumes: cfg.Snapshots.Docker.Volumes}
	for _, db := range cfg.Snapshots.Docker.Databases {
		pc.Databases = append(pc.Databases, payload.DatabaseSpec{
			Container: db.Container,
			Engine:    db.Engine,
			Name:      db.Name,
			User:      db.User,
		})
	}
	return pc
}
