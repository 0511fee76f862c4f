// Package watcher turns raw filesystem notifications on the protected
// paths into settled ChangeEvents. Bursts on the same path are
// debounced into one event carrying the fingerprint delta, and every
// event carries the retained pre-change file state so the snapshot
// that protects the change holds genuinely pre-change content.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/revertd/revertd/config"
	"github.com/revertd/revertd/fingerprint"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

// Watcher observes the configured paths and emits one ChangeEvent per
// settled change on a bounded channel. It keeps the last-settled
// content of every watched file in memory: by the time a notification
// arrives the file on disk already holds the new content, so the
// pre-change state has to come from here.
type Watcher struct {
	cfg    *config.Config
	logger *telemetry.Logger

	events  chan types.ChangeEvent
	settled chan string

	mu         sync.Mutex
	known      map[string]struct{}
	states     map[string]*types.FileState
	prints     map[string]types.Fingerprint
	timers     map[string]*time.Timer
	suppressed map[string]time.Time

	fs *fsnotify.Watcher
}

// New builds a watcher over the configured watch set. Baselines are
// seeded when Run starts, so construction never touches the disk.
func New(cfg *config.Config) *Watcher {
	return &Watcher{
		cfg:        cfg,
		logger:     telemetry.NewLogger("path-watcher"),
		events:     make(chan types.ChangeEvent, cfg.Watch.QueueSize),
		settled:    make(chan string, 256),
		known:      make(map[string]struct{}),
		states:     make(map[string]*types.FileState),
		prints:     make(map[string]types.Fingerprint),
		timers:     make(map[string]*time.Timer),
		suppressed: make(map[string]time.Time),
	}
}

// Events delivers settled change events. The channel is bounded; a
// full channel blocks the watch loop rather than dropping events.
func (w *Watcher) Events() <-chan types.ChangeEvent {
	return w.events
}

// Suppress marks paths the engine is about to rewrite. Events on a
// suppressed path re-seed the baseline without emitting, so a restore
// is never mistaken for a fresh operator change.
func (w *Watcher) Suppress(paths []string, window time.Duration) {
	until := time.Now().Add(window)
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, path := range paths {
		w.suppressed[filepath.Clean(path)] = until
	}
}

// Run watches until ctx is cancelled. It is restartable: the resource
// set and retained baselines survive across runs, only the fsnotify
// handle is rebuilt.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("start filesystem notifications: %w", err)
	}
	defer func() { _ = fsw.Close() }()
	w.fs = fsw

	seeded := w.seedBaselines()
	w.armWatches()

	w.logger.Info().
		Int("paths", seeded).
		Dur("debounce", w.cfg.Watch.Debounce.Std()).
		Msg("watching configuration paths")

	poll := time.NewTicker(w.cfg.Watch.PollInterval.Std())
	defer poll.Stop()
	rescan := time.NewTicker(w.cfg.Watch.RescanInterval.Std())
	defer rescan.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			w.handleRaw(ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("filesystem notification error")
		case path := <-w.settled:
			if err := w.evaluate(ctx, path); err != nil {
				return err
			}
		case <-poll.C:
			w.poll()
		case <-rescan.C:
			w.rescan()
		}
	}
}

// handleRaw routes one raw notification. New files matching a watch
// pattern are adopted on the fly; everything else bumps the debounce
// timer for its path.
func (w *Watcher) handleRaw(ev fsnotify.Event) {
	path := filepath.Clean(ev.Name)

	w.mu.Lock()
	_, known := w.known[path]
	w.mu.Unlock()

	if !known {
		if _, covered := w.cfg.Covers(path); !covered {
			return
		}
		w.adopt(path)
		if ev.Op&fsnotify.Create != 0 {
			w.maybeWatchDir(path)
		}
	}
	w.bump(path)
}

// adopt registers a newly matching path with an empty baseline, so the
// settled evaluation reports it as created.
func (w *Watcher) adopt(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.known[path]; ok {
		return
	}
	w.known[path] = struct{}{}
}

// bump replaces the per-path debounce timer. When the timer fires the
// path is queued for evaluation; a full settle queue is only logged,
// the poll cycle re-detects anything it misses. Stop-then-new keeps
// the queue single-shot even when the old callback is already racing
// for the lock.
func (w *Watcher) bump(path string) {
	debounce := w.cfg.Watch.Debounce.Std()

	w.mu.Lock()
	defer w.mu.Unlock()
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	var t *time.Timer
	t = time.AfterFunc(debounce, func() {
		w.mu.Lock()
		if w.timers[path] == t {
			delete(w.timers, path)
		}
		w.mu.Unlock()
		select {
		case w.settled <- path:
		default:
			w.logger.Warn().Str("path", path).Msg("settle queue full, deferring to poll cycle")
		}
	})
	w.timers[path] = t
}

// evaluate compares a settled path against its stored fingerprint and
// emits a ChangeEvent if the content actually changed. Touching a file
// without changing bytes does not fire.
func (w *Watcher) evaluate(ctx context.Context, path string) error {
	w.mu.Lock()
	until, sup := w.suppressed[path]
	prior := w.states[path]
	prev := w.prints[path]
	w.mu.Unlock()

	if sup {
		if time.Now().Before(until) {
			// Our own restore write settling. Advance the baseline
			// quietly so the restored content is the new reference.
			w.seed(path)
			return nil
		}
		w.mu.Lock()
		delete(w.suppressed, path)
		w.mu.Unlock()
	}

	cur, err := fingerprint.File(path)
	absent := errors.Is(err, fs.ErrNotExist)
	if err != nil && !absent {
		w.logger.Warn().Err(err).Str("path", path).Msg("watched path unreadable, skipping")
		return nil
	}
	if absent {
		cur = types.Fingerprint{}
	}

	if cur.Equal(prev) {
		return nil
	}

	var kind types.ChangeType
	switch {
	case prev.IsZero():
		kind = types.ChangeCreated
	case absent:
		kind = types.ChangeDeleted
	default:
		kind = types.ChangeModified
	}

	ev := types.ChangeEvent{
		Path:        path,
		Category:    w.cfg.CategoryFor(path),
		Type:        kind,
		DetectedAt:  time.Now().UTC(),
		Fingerprint: cur,
		Prior:       prior,
	}

	select {
	case w.events <- ev:
	case <-ctx.Done():
		return ctx.Err()
	}

	w.logger.Info().
		Str("path", path).
		Str("type", string(kind)).
		Str("category", string(ev.Category)).
		Msg("change detected")

	w.seed(path)
	return nil
}

// poll stat-checks every known path. It is both the fallback for paths
// whose directory watch could not be established and the safety net
// for notifications lost under load.
func (w *Watcher) poll() {
	w.mu.Lock()
	paths := make([]string, 0, len(w.known))
	for path := range w.known {
		paths = append(paths, path)
	}
	w.mu.Unlock()

	for _, path := range paths {
		w.mu.Lock()
		prev := w.prints[path]
		w.mu.Unlock()

		cur, err := fingerprint.Stat(path)
		if errors.Is(err, fs.ErrNotExist) {
			if !prev.IsZero() {
				w.bump(path)
			}
			continue
		}
		if err != nil {
			w.logger.Warn().Err(err).Str("path", path).Msg("poll stat failed")
			continue
		}
		if prev.IsZero() || !cur.CheapMatch(prev) {
			w.bump(path)
		}
	}
}

// rescan re-expands glob patterns so files created since the last pass
// are picked up even when no notification reached us.
func (w *Watcher) rescan() {
	for _, path := range w.expand() {
		w.mu.Lock()
		_, known := w.known[path]
		w.mu.Unlock()
		if !known {
			w.adopt(path)
			w.bump(path)
		}
	}
	w.armWatches()
}

// maybeWatchDir registers a watch on a newly created directory that
// falls under a recursive watch entry.
func (w *Watcher) maybeWatchDir(path string) {
	st, ok := w.stateOf(path)
	if !ok || st == nil || st.Entry.Type != types.FileTypeDir {
		// Not retained; check the live path.
		fp, err := fingerprint.Stat(path)
		if err != nil || !fp.Mode.IsDir() {
			return
		}
	}
	if err := w.fs.Add(path); err != nil {
		w.logger.Warn().Err(err).Str("dir", path).Msg("watch new directory failed, relying on polling")
	}
}

func (w *Watcher) stateOf(path string) (*types.FileState, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	st, ok := w.states[path]
	return st, ok
}

// expand resolves the configured watch entries to concrete paths.
// Plain paths are kept even when absent so their creation is seen;
// globs and subtree entries match what exists right now. A "/**"
// suffix and Recursive are the same thing: every file under the base.
func (w *Watcher) expand() []string {
	var paths []string
	for _, wp := range w.cfg.Watch.Paths {
		base, subtree := strings.CutSuffix(wp.Path, "/**")
		switch {
		case subtree || wp.Recursive:
			paths = append(paths, walkFiles(filepath.Clean(base))...)
		case strings.ContainsAny(wp.Path, "*?["):
			matches, err := filepath.Glob(wp.Path)
			if err != nil {
				w.logger.Warn().Err(err).Str("pattern", wp.Path).Msg("bad watch pattern")
				continue
			}
			paths = append(paths, matches...)
		default:
			paths = append(paths, filepath.Clean(wp.Path))
		}
	}
	return paths
}

func walkFiles(root string) []string {
	var files []string
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable subtree is skipped, not fatal
		}
		if d.Type().IsRegular() {
			files = append(files, path)
		}
		return nil
	})
	return files
}

// armWatches adds fsnotify watches for the directories holding watched
// paths. A directory that cannot be watched falls back to polling.
func (w *Watcher) armWatches() {
	dirs := make(map[string]struct{})
	for _, wp := range w.cfg.Watch.Paths {
		base, subtree := strings.CutSuffix(wp.Path, "/**")
		base = filepath.Clean(base)
		switch {
		case subtree || wp.Recursive:
			dirs[base] = struct{}{}
			_ = filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
				if err == nil && d.IsDir() {
					dirs[path] = struct{}{}
				}
				return nil
			})
		case strings.ContainsAny(wp.Path, "*?["):
			dirs[filepath.Dir(wp.Path)] = struct{}{}
		default:
			dirs[filepath.Dir(base)] = struct{}{}
		}
	}

	for dir := range dirs {
		if err := w.fs.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("dir", dir).Msg("directory watch failed, relying on polling")
		}
	}
}
