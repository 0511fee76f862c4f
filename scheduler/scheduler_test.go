package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revertd/revertd/config"
	"github.com/revertd/revertd/storage"
	"github.com/revertd/revertd/types"
)

func openStore(t *testing.T) *storage.Store {
	t.Helper()
	store, err := storage.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func persistChange(t *testing.T, store *storage.Store, id string, fireAt time.Time) {
	t.Helper()
	change := &types.PendingChange{
		ID:         id,
		Path:       "/etc/" + id,
		Category:   types.CategoryFirewall,
		SnapshotID: "snap-" + id,
		State:      types.StatePending,
		CreatedAt:  time.Now(),
		Deadline:   fireAt,
	}
	require.NoError(t, store.PutChangeWithDeadline(change, fireAt))
}

func startScheduler(t *testing.T, s *Scheduler) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = s.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func TestScheduleFiresAndMarksDelivered(t *testing.T) {
	store := openStore(t)
	s := New(store)

	fireAt := time.Now().Add(50 * time.Millisecond)
	persistChange(t, store, "chg-1", fireAt)
	require.NoError(t, s.Schedule("chg-1", fireAt))

	startScheduler(t, s)

	select {
	case id := <-s.Expired():
		assert.Equal(t, "chg-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("deadline never fired")
	}

	assert.Eventually(t, func() bool {
		recs, err := store.ListDeadlines()
		if err != nil || len(recs) != 1 {
			return false
		}
		return recs[0].Delivered
	}, 2*time.Second, 10*time.Millisecond, "deadline not marked delivered")
}

func TestCancelPreventsFire(t *testing.T) {
	s := New(openStore(t))

	require.NoError(t, s.Schedule("chg-1", time.Now().Add(50*time.Millisecond)))
	s.Cancel("chg-1")

	startScheduler(t, s)

	select {
	case id := <-s.Expired():
		t.Fatalf("cancelled deadline fired for %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRescheduleReplacesDeadline(t *testing.T) {
	s := New(openStore(t))

	require.NoError(t, s.Schedule("chg-1", time.Now().Add(time.Hour)))
	require.NoError(t, s.Schedule("chg-1", time.Now().Add(50*time.Millisecond)))

	startScheduler(t, s)

	select {
	case id := <-s.Expired():
		assert.Equal(t, "chg-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled deadline never fired")
	}

	// The replaced hour-out deadline must not produce a second fire.
	select {
	case id := <-s.Expired():
		t.Fatalf("duplicate fire for %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRestartRearmsPersistedDeadlines(t *testing.T) {
	store := openStore(t)
	persistChange(t, store, "chg-1", time.Now().Add(-time.Minute))

	// A fresh scheduler stands in for a restarted daemon: no Schedule
	// call, the deadline comes straight from the store.
	s := New(store)
	startScheduler(t, s)

	select {
	case id := <-s.Expired():
		assert.Equal(t, "chg-1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("persisted past deadline not delivered after restart")
	}
}

func TestDeliveredDeadlineNotRefired(t *testing.T) {
	store := openStore(t)
	persistChange(t, store, "chg-1", time.Now().Add(-time.Minute))
	require.NoError(t, store.MarkDelivered("chg-1"))

	s := New(store)
	startScheduler(t, s)

	select {
	case id := <-s.Expired():
		t.Fatalf("already-delivered deadline refired for %s", id)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestPastDeadlinesFireInOrder(t *testing.T) {
	store := openStore(t)
	now := time.Now()
	persistChange(t, store, "third", now.Add(-time.Second))
	persistChange(t, store, "first", now.Add(-3*time.Second))
	persistChange(t, store, "second", now.Add(-2*time.Second))

	s := New(store)
	startScheduler(t, s)

	for _, want := range []string{"first", "second", "third"} {
		select {
		case id := <-s.Expired():
			assert.Equal(t, want, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing expiry for %s", want)
		}
	}
}

func TestScheduleValidation(t *testing.T) {
	s := New(openStore(t))

	require.Error(t, s.Schedule("", time.Now().Add(time.Minute)))
	require.Error(t, s.Schedule("chg-1", time.Time{}))
}

func TestNextDeadlineFixed(t *testing.T) {
	cfg := config.DefaultConfig()
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	at, err := NextDeadline(cfg, types.CategoryFirewall, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(cfg.DeadlineFor(types.CategoryFirewall)), at)
}

func TestNextDeadlineCron(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Deadlines.Policy = config.PolicyCron
	cfg.Deadlines.Cron = map[types.Category]string{
		types.CategoryFirewall: "0 3 * * *",
	}
	now := time.Date(2026, 8, 23, 12, 0, 0, 0, time.UTC)

	at, err := NextDeadline(cfg, types.CategoryFirewall, now)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC), at)

	// Categories without a cron window fall back to the fixed policy.
	at, err = NextDeadline(cfg, types.CategorySSH, now)
	require.NoError(t, err)
	assert.Equal(t, now.Add(cfg.DeadlineFor(types.CategorySSH)), at)
}
