// Package scheduler arms one timer per pending change and delivers
// expiries exactly once per scheduler lifetime. Deadlines live in the
// same bbolt store as the changes they protect; the in-memory btree is
// a cache rebuilt from it on every start.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/btree"
	"github.com/robfig/cron/v3"

	"github.com/revertd/revertd/config"
	"github.com/revertd/revertd/storage"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

// deadline orders the btree by fire time, change ID breaking ties.
type deadline struct {
	fireAt   time.Time
	changeID string
}

func lessDeadline(a, b deadline) bool {
	if !a.fireAt.Equal(b.fireAt) {
		return a.fireAt.Before(b.fireAt)
	}
	return a.changeID < b.changeID
}

// Scheduler owns the timer loop. Schedule and Cancel may be called from
// any goroutine, before or after Run starts.
type Scheduler struct {
	store  *storage.Store
	logger *telemetry.Logger

	mu      sync.Mutex
	pending *btree.BTreeG[deadline]
	armed   map[string]time.Time

	rearm   chan struct{}
	expired chan string
}

// New builds a scheduler over the given store. Persisted deadlines are
// loaded when Run starts, not here.
func New(store *storage.Store) *Scheduler {
	return &Scheduler{
		store:   store,
		logger:  telemetry.NewLogger("deadline-scheduler"),
		pending: btree.NewG(8, lessDeadline),
		armed:   make(map[string]time.Time),
		rearm:   make(chan struct{}, 1),
		expired: make(chan string, 64),
	}
}

// Expired delivers change IDs whose deadline has elapsed. Each armed
// deadline is delivered at most once; consumers decide what an expiry
// means for the change's current state.
func (s *Scheduler) Expired() <-chan string {
	return s.expired
}

// Schedule arms a timer for the change. The deadline record must
// already be persisted (the engine writes it in the same transaction as
// the change). Scheduling an already-armed ID replaces its deadline.
func (s *Scheduler) Schedule(changeID string, at time.Time) error {
	if changeID == "" {
		return fmt.Errorf("schedule: empty change ID")
	}
	if at.IsZero() {
		return fmt.Errorf("schedule %s: zero deadline", changeID)
	}

	s.mu.Lock()
	if prev, ok := s.armed[changeID]; ok {
		s.pending.Delete(deadline{fireAt: prev, changeID: changeID})
	}
	s.pending.ReplaceOrInsert(deadline{fireAt: at, changeID: changeID})
	s.armed[changeID] = at
	s.mu.Unlock()

	s.nudge()
	return nil
}

// Cancel disarms the change's timer. Unknown or already-fired IDs are a
// no-op; the durable record is cleared by the engine's state write.
func (s *Scheduler) Cancel(changeID string) {
	s.mu.Lock()
	prev, ok := s.armed[changeID]
	if ok {
		s.pending.Delete(deadline{fireAt: prev, changeID: changeID})
		delete(s.armed, changeID)
	}
	s.mu.Unlock()

	if ok {
		s.nudge()
	}
}

// Run loads persisted deadlines and sleeps until the earliest one,
// delivering due IDs on Expired. It returns when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.load(); err != nil {
		return err
	}

	s.mu.Lock()
	armed := s.pending.Len()
	s.mu.Unlock()
	s.logger.Info().Int("armed", armed).Msg("deadline scheduler running")

	for {
		var fire <-chan time.Time
		var timer *time.Timer
		if next, ok := s.peek(); ok {
			wait := time.Until(next.fireAt)
			if wait < 0 {
				wait = 0
			}
			timer = time.NewTimer(wait)
			fire = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return ctx.Err()
		case <-s.rearm:
			if timer != nil {
				timer.Stop()
			}
		case <-fire:
			s.fireDue(ctx)
		}
	}
}

// load arms every persisted deadline not yet delivered. Deadlines in
// the past fire on the first loop pass, soonest first.
func (s *Scheduler) load() error {
	recs, err := s.store.ListDeadlines()
	if err != nil {
		return fmt.Errorf("load deadlines: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		if rec.Delivered {
			continue
		}
		if prev, ok := s.armed[rec.ChangeID]; ok {
			s.pending.Delete(deadline{fireAt: prev, changeID: rec.ChangeID})
		}
		s.pending.ReplaceOrInsert(deadline{fireAt: rec.FireAt, changeID: rec.ChangeID})
		s.armed[rec.ChangeID] = rec.FireAt
	}
	return nil
}

func (s *Scheduler) peek() (deadline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Min()
}

// fireDue pops and delivers every deadline at or before now. The wall
// clock is re-checked here, so an early timer wake re-sleeps instead of
// firing ahead of time.
func (s *Scheduler) fireDue(ctx context.Context) {
	for {
		now := time.Now()

		s.mu.Lock()
		item, ok := s.pending.Min()
		if !ok || item.fireAt.After(now) {
			s.mu.Unlock()
			return
		}
		s.pending.DeleteMin()
		delete(s.armed, item.changeID)
		s.mu.Unlock()

		select {
		case s.expired <- item.changeID:
		case <-ctx.Done():
			return
		}

		// Delivered is flipped after the send: a crash in between
		// re-delivers on restart, and the engine's state check makes
		// the duplicate a no-op.
		if err := s.store.MarkDelivered(item.changeID); err != nil {
			s.logger.Error().Err(err).
				Str("change_id", item.changeID).
				Msg("mark deadline delivered failed")
		}

		s.logger.Debug().
			Str("change_id", item.changeID).
			Time("fire_at", item.fireAt).
			Msg("deadline fired")
	}
}

func (s *Scheduler) nudge() {
	select {
	case s.rearm <- struct{}{}:
	default:
	}
}

// NextDeadline computes when a change detected at now must be confirmed
// by, per the category's policy: the next cron occurrence when a cron
// window is configured, otherwise now plus the category's fixed window.
func NextDeadline(cfg *config.Config, cat types.Category, now time.Time) (time.Time, error) {
	if expr := cfg.CronFor(cat); expr != "" {
		sched, err := cron.ParseStandard(expr)
		if err != nil {
			return time.Time{}, fmt.Errorf("cron policy for %s: %w", cat, err)
		}
		return sched.Next(now), nil
	}
	return now.Add(cfg.DeadlineFor(cat)), nil
}
