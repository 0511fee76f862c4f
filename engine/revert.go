package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/revertd/revertd/journal"
	"github.com/revertd/revertd/snapshot"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

// verifyTimeout bounds the post-restore verification command.
const verifyTimeout = 10 * time.Second

// probeTimeout bounds one advisory connectivity dial.
const probeTimeout = 3 * time.Second

// handleExpiry is the deadline trigger. The grace window runs before
// the PENDING→EXPIRED transition, so a late confirmation keeps winning
// under the same lock; once the change is EXPIRED the revert is
// committed and a confirm is a NotPendingError.
func (e *Engine) handleExpiry(ctx context.Context, id string, skipGrace bool) {
	lock := e.lockFor(id)
	lock.Lock()

	change, err := e.store.GetChange(id)
	if err != nil {
		lock.Unlock()
		e.logger.Warn().Err(err).Str("change_id", id).Msg("expiry for unknown change")
		return
	}

	switch change.State {
	case types.StatePending:
	case types.StateExpired:
		// Crash mid-revert; resume it.
		lock.Unlock()
		e.revert(ctx, change)
		return
	default:
		lock.Unlock()
		e.logger.Debug().Str("change_id", id).Str("state", string(change.State)).
			Msg("expiry after resolution, ignoring")
		return
	}

	grace := e.cfg.Deadlines.Grace.Std()
	if !skipGrace && grace > 0 {
		lock.Unlock()
		e.logger.Warn().
			Str("change_id", change.ID).
			Str("path", change.Path).
			Dur("grace", grace).
			Msg("deadline reached, reverting after grace period unless confirmed")

		select {
		case <-time.After(grace):
		case <-ctx.Done():
			return
		}

		lock.Lock()
		change, err = e.store.GetChange(id)
		if err != nil {
			lock.Unlock()
			return
		}
		if change.State != types.StatePending {
			lock.Unlock()
			e.logger.Info().Str("change_id", id).Msg("confirmed during grace period")
			return
		}
	}

	change.State = types.StateExpired
	if err := e.store.PutChangeClearDeadline(change); err != nil {
		lock.Unlock()
		e.logger.Error().Err(err).Str("change_id", id).Msg("persist expiry failed, restart will retry")
		return
	}
	lock.Unlock()

	_ = e.jrnl.Append(journal.EntryExpired, change.ID, change.Path, nil)
	e.logger.LogExpired(ctx, change.ID, change.Path)

	e.revert(ctx, change)
}

// revert restores the change's snapshot with bounded retries and
// resolves the record to REVERTED or REVERT_FAILED. The change is
// already EXPIRED and persisted when this runs.
func (e *Engine) revert(ctx context.Context, change *types.PendingChange) {
	ctx, span := telemetry.StartRevert(ctx, telemetry.Tracer,
		change.ID, change.Path, string(change.Category))

	e.probeConnectivity(ctx)
	e.suppressPaths([]string{change.Path})

	// Safety net: the current post-change state, so a botched revert
	// can itself be undone by hand.
	safety, err := e.snaps.Capture(ctx, snapshot.CaptureRequest{
		Description: "pre-revert state of " + change.Path,
		TriggerPath: change.Path,
		Kind:        snapshot.KindManual,
		Files:       []snapshot.FileSource{{Path: change.Path}},
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("change_id", change.ID).Msg("pre-revert safety snapshot failed")
		safety = nil
	}

	var lastErr error
	backoff := e.cfg.Revert.RetryBackoff.Std()
	for attempt := 1; attempt <= e.cfg.Revert.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			lastErr = ctx.Err()
			break
		}

		lastErr = e.restoreOnce(ctx, change, safety, attempt)
		if lastErr == nil {
			break
		}

		change.Attempts = attempt
		change.LastError = lastErr.Error()
		if err := e.store.PutChange(change); err != nil {
			e.logger.Error().Err(err).Str("change_id", change.ID).Msg("persist attempt count failed")
		}
		e.logger.Warn().Err(lastErr).
			Str("change_id", change.ID).
			Int("attempt", attempt).
			Msg("revert attempt failed")

		if attempt < e.cfg.Revert.MaxAttempts {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
			}
			backoff *= 2
		}
	}

	if errors.Is(lastErr, context.Canceled) {
		// Shutdown mid-revert. The change stays EXPIRED on disk and
		// Recover resumes the restore on the next startup; this is not
		// a revert failure.
		e.logger.Warn().
			Str("change_id", change.ID).
			Str("path", change.Path).
			Msg("revert interrupted by shutdown, resuming on next startup")
		telemetry.EndRevert(span, "interrupted", change.Attempts, lastErr)
		return
	}

	e.resolveRevert(ctx, span, change, lastErr)
}

// restoreOnce runs a single restore attempt: snapshot restore, then
// the category's post-restore hook and verification command.
func (e *Engine) restoreOnce(ctx context.Context, change *types.PendingChange, safety *types.Snapshot, attempt int) error {
	if err := e.snaps.Restore(ctx, change.SnapshotID); err != nil {
		if rerr, ok := err.(*types.RestoreError); ok {
			rerr.Attempt = attempt
			return rerr
		}
		return &types.RestoreError{SnapshotID: change.SnapshotID, Attempt: attempt, Err: err}
	}

	// Hook failure is logged, not fatal: the files are back, a
	// service restart that stumbles should not undo that.
	e.runHook(ctx, change.Category)

	if err := e.verify(ctx, change.Category); err != nil {
		if safety != nil {
			e.logger.Error().Err(err).
				Str("change_id", change.ID).
				Str("safety_snapshot", safety.ID).
				Msg("verification failed, restoring pre-revert state")
			if rerr := e.snaps.Restore(ctx, safety.ID); rerr != nil {
				e.logger.Error().Err(rerr).Str("change_id", change.ID).Msg("emergency restore failed")
			}
		}
		return fmt.Errorf("post-revert verification: %w", err)
	}
	return nil
}

// resolveRevert persists the terminal state under the change's lock
// and emits the operator-facing outcome.
func (e *Engine) resolveRevert(ctx context.Context, span trace.Span, change *types.PendingChange, lastErr error) {
	lock := e.lockFor(change.ID)
	lock.Lock()

	if fresh, err := e.store.GetChange(change.ID); err == nil {
		fresh.Attempts = change.Attempts
		fresh.LastError = change.LastError
		change = fresh
	}

	outcome := "reverted"
	change.State = types.StateReverted
	if lastErr != nil {
		outcome = "revert_failed"
		change.State = types.StateRevertFailed
		change.LastError = lastErr.Error()
	}
	change.ResolvedAt = time.Now().UTC()

	if err := e.store.PutChangeClearDeadline(change); err != nil {
		e.logger.Error().Err(err).Str("change_id", change.ID).Msg("persist revert outcome failed")
	}
	lock.Unlock()

	if lastErr != nil {
		_ = e.jrnl.AppendError(journal.EntryRevertFailed, change.ID, change.Path, map[string]any{
			"snapshot_id": change.SnapshotID,
			"attempts":    change.Attempts,
		}, lastErr)
	} else {
		_ = e.jrnl.Append(journal.EntryReverted, change.ID, change.Path, map[string]any{
			"snapshot_id": change.SnapshotID,
		})
	}

	telemetry.RevertsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
	telemetry.RecordRevertOutcomeEvent(span, change.ID, change.Path, outcome, change.Attempts, change.LastError)
	e.recordPendingGauge(ctx)
	e.logger.LogRevertOutcome(ctx, change.ID, change.Path, lastErr)
	telemetry.EndRevert(span, outcome, change.Attempts, lastErr)
}

// runHook executes the category's post-restore command, typically a
// service restart. Output and failure are logged only.
func (e *Engine) runHook(ctx context.Context, cat types.Category) {
	argv := e.cfg.Revert.Hooks[cat]
	if len(argv) == 0 {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, e.cfg.Revert.HookTimeout.Std())
	defer cancel()

	out, err := exec.CommandContext(hctx, argv[0], argv[1:]...).CombinedOutput() // #nosec G204 -- operator-configured hook
	if err != nil {
		e.logger.Warn().Err(err).
			Str("category", string(cat)).
			Strs("argv", argv).
			Str("output", string(out)).
			Msg("post-restore hook failed")
		return
	}
	e.logger.Info().Str("category", string(cat)).Strs("argv", argv).Msg("post-restore hook ran")
}

// verify runs the category's verification command. A failure means
// the restored configuration did not come back healthy.
func (e *Engine) verify(ctx context.Context, cat types.Category) error {
	argv := e.cfg.Revert.Verify[cat]
	if len(argv) == 0 {
		return nil
	}

	vctx, cancel := context.WithTimeout(ctx, verifyTimeout)
	defer cancel()

	out, err := exec.CommandContext(vctx, argv[0], argv[1:]...).CombinedOutput() // #nosec G204 -- operator-configured check
	if err != nil {
		return fmt.Errorf("%v: %w (output: %s)", argv, err, out)
	}
	return nil
}

// probeConnectivity dials the configured endpoints before a revert.
// Advisory only: results are logged, the revert proceeds either way.
func (e *Engine) probeConnectivity(ctx context.Context) {
	for _, probe := range e.cfg.Revert.ConnectivityProbes {
		if ctx.Err() != nil {
			return
		}
		conn, err := net.DialTimeout("tcp", probe, probeTimeout)
		if err != nil {
			e.logger.Warn().Err(err).Str("probe", probe).Msg("connectivity probe failed")
			continue
		}
		_ = conn.Close()
		e.logger.Debug().Str("probe", probe).Msg("connectivity probe ok")
	}
}
