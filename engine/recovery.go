package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

// Recover replays persisted state after a daemon restart. It must run
// to completion before the engine consumes any new events, so a
// just-expired change is never mistaken for a fresh one:
//
//   - PENDING with a future deadline: left alone, the scheduler
//     re-arms it from the deadline record when it starts.
//   - PENDING past its deadline: expired and reverted right here,
//     grace skipped, the operator already had the whole window.
//   - EXPIRED: a crash interrupted the revert; it resumes.
//   - terminal states: untouched.
func (e *Engine) Recover(ctx context.Context) error {
	ctx, span := telemetry.StartRecovery(ctx, telemetry.Tracer)

	changes, err := e.store.ListChanges()
	if err != nil {
		span.End()
		return fmt.Errorf("load persisted changes: %w", err)
	}

	now := time.Now()
	var rearmed, expired, resumed int64
	for i := range changes {
		change := &changes[i]
		switch change.State {
		case types.StatePending:
			if change.Remaining(now) > 0 {
				rearmed++
				e.logger.Info().
					Str("change_id", change.ID).
					Str("path", change.Path).
					Dur("remaining", change.Remaining(now)).
					Msg("pending change survives restart, deadline re-armed")
				continue
			}
			expired++
			e.logger.Warn().
				Str("change_id", change.ID).
				Str("path", change.Path).
				Time("deadline", change.Deadline).
				Msg("deadline passed while daemon was down, reverting")
			e.handleExpiry(ctx, change.ID, true)
		case types.StateExpired:
			resumed++
			e.logger.Warn().
				Str("change_id", change.ID).
				Str("path", change.Path).
				Msg("resuming revert interrupted by restart")
			e.revert(ctx, change)
		}
	}

	e.recordPendingGauge(ctx)
	telemetry.EndRecovery(span, rearmed, expired, resumed)

	e.logger.Info().
		Int64("rearmed", rearmed).
		Int64("expired", expired).
		Int64("resumed", resumed).
		Msg("startup recovery complete")
	return nil
}
