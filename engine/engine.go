// Package engine is the state machine at the heart of revertd. It
// consumes watcher events and scheduler expiries, captures snapshots,
// persists pending changes, and resolves each one to CONFIRMED,
// REVERTED or REVERT_FAILED.
package engine

import (
	"context"
	"fmt"
	"hash/fnv"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/revertd/revertd/config"
	"github.com/revertd/revertd/journal"
	"github.com/revertd/revertd/scheduler"
	"github.com/revertd/revertd/snapshot"
	"github.com/revertd/revertd/storage"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

// workerCount is the size of the keyed worker pool. Two reverts on
// unrelated paths run concurrently; tasks for the same path always land
// on the same worker and therefore never overlap.
const workerCount = 2

// Suppressor lets the engine mark paths it is about to rewrite so the
// watcher does not report restore writes as fresh changes.
type Suppressor interface {
	Suppress(paths []string, window time.Duration)
}

// Engine drives the change-confirmation-revert state machine.
type Engine struct {
	cfg    *config.Config
	store  *storage.Store
	snaps  *snapshot.Store
	sched  *scheduler.Scheduler
	jrnl   *journal.Journal
	supp   Suppressor
	logger *telemetry.Logger

	events  <-chan types.ChangeEvent
	expired <-chan string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires the engine to its collaborators. events and expired are
// the watcher's and scheduler's output channels; supp may be nil when
// no watcher is running (recovery-only use, tests).
func New(
	cfg *config.Config,
	store *storage.Store,
	snaps *snapshot.Store,
	sched *scheduler.Scheduler,
	jrnl *journal.Journal,
	events <-chan types.ChangeEvent,
	expired <-chan string,
	supp Suppressor,
) *Engine {
	return &Engine{
		cfg:     cfg,
		store:   store,
		snaps:   snaps,
		sched:   sched,
		jrnl:    jrnl,
		supp:    supp,
		logger:  telemetry.NewLogger("revert-engine"),
		events:  events,
		expired: expired,
		locks:   make(map[string]*sync.Mutex),
	}
}

// Run consumes events and expiries until ctx is cancelled. Recover
// must have completed before Run starts accepting work; the daemon
// enforces that ordering.
func (e *Engine) Run(ctx context.Context) error {
	tasks := make([]chan func(), workerCount)
	var wg sync.WaitGroup
	for i := range tasks {
		tasks[i] = make(chan func(), 16)
		wg.Add(1)
		go func(ch <-chan func()) {
			defer wg.Done()
			for fn := range ch {
				fn()
			}
		}(tasks[i])
	}
	defer func() {
		for _, ch := range tasks {
			close(ch)
		}
		wg.Wait()
	}()

	dispatch := func(key string, fn func()) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(key))
		select {
		case tasks[h.Sum32()%workerCount] <- fn:
		case <-ctx.Done():
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-e.events:
			if !ok {
				return nil
			}
			dispatch(ev.Path, func() { e.handleEvent(ctx, ev) })
		case id, ok := <-e.expired:
			if !ok {
				return nil
			}
			change, err := e.store.GetChange(id)
			if err != nil {
				e.logger.Warn().Err(err).Str("change_id", id).Msg("expiry for unknown change")
				continue
			}
			dispatch(change.Path, func() { e.handleExpiry(ctx, id, false) })
		}
	}
}

// handleEvent routes one settled change: supersede the deadline when
// the path is already under protection, otherwise open a new pending
// change.
func (e *Engine) handleEvent(ctx context.Context, ev types.ChangeEvent) {
	ctx, span := telemetry.StartChangeHandling(ctx, telemetry.Tracer,
		ev.Path, string(ev.Category), string(ev.Type))
	defer span.End()

	if existing, ok := e.store.UnresolvedByPath(ev.Path); ok {
		e.supersede(ctx, span, existing.ID, ev)
		return
	}
	e.protect(ctx, span, ev)
}

// protect captures a pre-change snapshot, persists a PENDING change
// and arms its deadline. A capture failure lets the change through
// unprotected: protecting nothing is worse than blocking everything.
func (e *Engine) protect(ctx context.Context, span *telemetry.ChangeSpan, ev types.ChangeEvent) {
	src := snapshot.FileSource{Path: ev.Path, State: ev.Prior}
	if ev.Prior == nil {
		// The path did not exist before this change; archive its
		// absence so a revert deletes it.
		src.State = &types.FileState{Entry: types.FileEntry{Path: ev.Path, Type: types.FileTypeAbsent}}
	}

	snap, err := e.snaps.Capture(ctx, snapshot.CaptureRequest{
		Description: "auto snapshot before change to " + ev.Path,
		TriggerPath: ev.Path,
		Kind:        snapshot.KindAuto,
		Files:       []snapshot.FileSource{src},
	})
	if err != nil {
		span.Fail(err)
		telemetry.RecordUnprotectedChangeEvent(span.Span(), ev.Path, string(ev.Category), err.Error())
		e.logger.LogCaptureFailure(ctx, ev.Path, err)
		_ = e.jrnl.AppendError(journal.EntryDetected, "", ev.Path, eventData(ev), err)
		return
	}
	span.SetSnapshotID(snap.ID)

	now := time.Now()
	deadline, err := scheduler.NextDeadline(e.cfg, ev.Category, now)
	if err != nil {
		span.Fail(err)
		e.logger.Error().Err(err).Str("path", ev.Path).Msg("deadline policy failed")
		_ = e.snaps.Discard(snap.ID)
		return
	}

	change := &types.PendingChange{
		ID:         uuid.NewString(),
		Path:       ev.Path,
		Category:   ev.Category,
		SnapshotID: snap.ID,
		State:      types.StatePending,
		CreatedAt:  now.UTC(),
		Deadline:   deadline,
	}
	span.SetChangeID(change.ID)

	if err := e.store.PutChangeWithDeadline(change, deadline); err != nil {
		// Without a durable deadline there is no revert guarantee.
		// The change must not proceed half-protected.
		perr := &types.SchedulerPersistError{ChangeID: change.ID, Err: err}
		span.Fail(perr)
		e.logger.Error().Err(perr).Str("path", ev.Path).Msg("deadline not persisted, abandoning protection")
		_ = e.snaps.Discard(snap.ID)
		_ = e.jrnl.AppendError(journal.EntryScheduled, change.ID, ev.Path, nil, perr)
		return
	}

	if err := e.sched.Schedule(change.ID, deadline); err != nil {
		e.logger.Error().Err(err).Str("change_id", change.ID).Msg("arm timer failed, restart will recover it")
	}

	_ = e.jrnl.Append(journal.EntryDetected, change.ID, ev.Path, eventData(ev))
	_ = e.jrnl.Append(journal.EntryCaptured, change.ID, ev.Path, map[string]any{"snapshot_id": snap.ID})
	_ = e.jrnl.Append(journal.EntryScheduled, change.ID, ev.Path, map[string]any{"deadline": deadline})

	telemetry.ChangesDetected.Add(ctx, 1, metric.WithAttributes(
		attribute.String("category", string(ev.Category)),
		attribute.String("type", string(ev.Type)),
	))
	telemetry.RecordChangeDetectedEvent(span.Span(), change.ID, ev.Path,
		string(ev.Category), string(ev.Type), deadline.Format(time.RFC3339))
	e.recordPendingGauge(ctx)

	e.logger.LogChangeDetected(ctx, ev.Path, string(ev.Category), change.ID)
	e.logger.LogDeadlineScheduled(ctx, change.ID, deadline)

	e.pruneSnapshots(ctx)
}

// supersede handles a new change on a path that is already pending:
// the record keeps its ID and original snapshot, the deadline restarts.
// The operator keeps editing, the clock keeps resetting, and a revert
// still returns to the last confirmed state.
func (e *Engine) supersede(ctx context.Context, span *telemetry.ChangeSpan, id string, ev types.ChangeEvent) {
	lock := e.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	change, err := e.store.GetChange(id)
	if err != nil || change.State != types.StatePending {
		// Resolved between lookup and lock; treat as a fresh change.
		if change != nil && change.State == types.StateExpired {
			// Revert in flight for this path; the event is its own
			// echo or will be re-detected after the restore settles.
			return
		}
		e.protect(ctx, span, ev)
		return
	}

	deadline, err := scheduler.NextDeadline(e.cfg, change.Category, time.Now())
	if err != nil {
		span.Fail(err)
		e.logger.Error().Err(err).Str("change_id", id).Msg("deadline policy failed on supersede")
		return
	}

	change.Deadline = deadline
	change.Superseded++
	span.SetChangeID(change.ID)

	if err := e.store.PutChangeWithDeadline(change, deadline); err != nil {
		span.Fail(err)
		e.logger.Error().Err(err).Str("change_id", id).Msg("persist superseded deadline failed")
		return
	}
	if err := e.sched.Schedule(change.ID, deadline); err != nil {
		e.logger.Error().Err(err).Str("change_id", id).Msg("re-arm timer failed")
	}

	_ = e.jrnl.Append(journal.EntrySuperseded, change.ID, change.Path, map[string]any{
		"deadline":   deadline,
		"superseded": change.Superseded,
	})
	e.logger.Info().
		Str("change_id", change.ID).
		Str("path", change.Path).
		Time("deadline", deadline).
		Int("superseded", change.Superseded).
		Msg("pending change superseded, deadline restarted")
}

// Confirm resolves a pending change by ID or by watched path. It is
// idempotent for already-confirmed changes; any other non-pending
// state is a NotPendingError.
func (e *Engine) Confirm(ctx context.Context, ref string) (*types.PendingChange, error) {
	ctx, span := telemetry.StartConfirm(ctx, telemetry.Tracer, ref)
	defer span.End()

	change, err := e.resolveRef(ref)
	if err != nil {
		return nil, err
	}

	lock := e.lockFor(change.ID)
	lock.Lock()
	defer lock.Unlock()

	change, err = e.store.GetChange(change.ID)
	if err != nil {
		return nil, &types.NotPendingError{ChangeID: ref}
	}

	switch change.State {
	case types.StateConfirmed:
		return change, nil
	case types.StatePending:
	default:
		return nil, &types.NotPendingError{ChangeID: change.ID, State: change.State}
	}

	now := time.Now().UTC()
	change.State = types.StateConfirmed
	change.ConfirmedAt = now
	change.ResolvedAt = now
	if err := e.store.PutChangeClearDeadline(change); err != nil {
		return nil, fmt.Errorf("persist confirmation for %s: %w", change.ID, err)
	}
	e.sched.Cancel(change.ID)

	discarded := false
	if !e.cfg.Snapshots.KeepConfirmed {
		if err := e.snaps.Discard(change.SnapshotID); err != nil {
			e.logger.Warn().Err(err).Str("snapshot_id", change.SnapshotID).Msg("discard confirmed snapshot failed")
		} else {
			discarded = true
			_ = e.jrnl.Append(journal.EntryDiscarded, change.ID, change.Path, map[string]any{
				"snapshot_id": change.SnapshotID,
			})
		}
	}

	_ = e.jrnl.Append(journal.EntryConfirmed, change.ID, change.Path, nil)
	telemetry.ConfirmsTotal.Add(ctx, 1)
	telemetry.RecordConfirmedEvent(span, change.ID, change.Path, discarded)
	e.recordPendingGauge(ctx)
	e.logger.LogConfirmed(ctx, change.ID, change.Path)

	return change, nil
}

// resolveRef accepts a change ID or an absolute watched path.
func (e *Engine) resolveRef(ref string) (*types.PendingChange, error) {
	if change, err := e.store.GetChange(ref); err == nil {
		return change, nil
	}
	if filepath.IsAbs(ref) {
		if change, ok := e.store.UnresolvedByPath(filepath.Clean(ref)); ok {
			return change, nil
		}
	}
	return nil, &types.NotPendingError{ChangeID: ref}
}

// Pending returns all changes still awaiting confirmation.
func (e *Engine) Pending() ([]types.PendingChange, error) {
	return e.store.ListChanges(types.StatePending)
}

// Changes returns persisted changes filtered to the given states.
func (e *Engine) Changes(states ...types.ChangeState) ([]types.PendingChange, error) {
	return e.store.ListChanges(states...)
}

// RestoreSnapshot applies a snapshot on operator request, with the
// same watcher suppression a revert uses.
func (e *Engine) RestoreSnapshot(ctx context.Context, id string) error {
	snap, err := e.snaps.Get(id)
	if err != nil {
		return err
	}
	e.suppressPaths(pathsOf(snap))
	if err := e.snaps.Restore(ctx, id); err != nil {
		return err
	}
	e.logger.Warn().Str("snapshot_id", id).Msg("snapshot restored on operator request")
	return nil
}

// lockFor returns the mutex serializing transitions of one change.
func (e *Engine) lockFor(id string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	lock, ok := e.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		e.locks[id] = lock
	}
	return lock
}

// suppressWindow is how long restore writes stay invisible to the
// watcher: long enough for the writes plus the debounce to settle.
func (e *Engine) suppressWindow() time.Duration {
	return 2*e.cfg.Watch.Debounce.Std() + e.cfg.Revert.HookTimeout.Std()
}

func (e *Engine) suppressPaths(paths []string) {
	if e.supp == nil || len(paths) == 0 {
		return
	}
	e.supp.Suppress(paths, e.suppressWindow())
}

func pathsOf(snap *types.Snapshot) []string {
	paths := make([]string, 0, len(snap.Files))
	for _, f := range snap.Files {
		paths = append(paths, f.Path)
	}
	return paths
}

// recordPendingGauge refreshes the pending-changes gauge from the
// store, the single source of truth.
func (e *Engine) recordPendingGauge(ctx context.Context) {
	pending, err := e.store.ListChanges(types.StatePending)
	if err != nil {
		return
	}
	telemetry.PendingChanges.Record(ctx, int64(len(pending)))
}

// pruneSnapshots drops snapshots beyond retention, never touching one
// an unresolved change still references.
func (e *Engine) pruneSnapshots(ctx context.Context) {
	changes, err := e.store.ListChanges()
	if err != nil {
		return
	}
	referenced := make(map[string]struct{})
	for _, c := range changes {
		if !c.Resolved() {
			referenced[c.SnapshotID] = struct{}{}
		}
	}
	if _, err := e.snaps.Prune(ctx, referenced); err != nil {
		e.logger.Warn().Err(err).Msg("snapshot prune failed")
	}
}

func eventData(ev types.ChangeEvent) map[string]any {
	return map[string]any{
		"type":     ev.Type,
		"category": ev.Category,
		"checksum": ev.Fingerprint.Checksum,
	}
}
