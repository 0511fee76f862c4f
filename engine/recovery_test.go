package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revertd/revertd/snapshot"
	"github.com/revertd/revertd/types"
)

// seedProtectedChange captures a snapshot of prior and persists a
// change for path in the given state, as if a previous daemon run left
// it behind.
func seedProtectedChange(t *testing.T, h *harness, path string, prior []byte, state types.ChangeState, deadline time.Time) *types.PendingChange {
	t.Helper()

	snap, err := h.snaps.Capture(context.Background(), snapshot.CaptureRequest{
		Description: "auto snapshot before change to " + path,
		TriggerPath: path,
		Kind:        snapshot.KindAuto,
		Files: []snapshot.FileSource{{
			Path:  path,
			State: fileEvent(path, prior).Prior,
		}},
	})
	require.NoError(t, err)

	change := &types.PendingChange{
		ID:         "chg-" + filepath.Base(path),
		Path:       path,
		Category:   types.CategorySSH,
		SnapshotID: snap.ID,
		State:      state,
		CreatedAt:  time.Now().Add(-time.Hour).UTC(),
		Deadline:   deadline,
	}
	if state == types.StatePending {
		require.NoError(t, h.store.PutChangeWithDeadline(change, deadline))
	} else {
		require.NoError(t, h.store.PutChange(change))
	}
	return change
}

func TestRecoverLeavesFutureDeadlineAlone(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("new\n"), 0o644))

	change := seedProtectedChange(t, h, path, []byte("old\n"),
		types.StatePending, time.Now().Add(time.Hour))

	require.NoError(t, h.eng.Recover(context.Background()))

	after, err := h.store.GetChange(change.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StatePending, after.State)

	// The file was not touched.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("new\n"), data)
}

func TestRecoverRevertsDeadlinePassedWhileDown(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("hacked\n"), 0o644))

	change := seedProtectedChange(t, h, path, []byte("good\n"),
		types.StatePending, time.Now().Add(-time.Minute))

	require.NoError(t, h.eng.Recover(context.Background()))

	after, err := h.store.GetChange(change.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateReverted, after.State)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("good\n"), data)
}

func TestRecoverResumesInterruptedRevert(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("hacked\n"), 0o644))

	// EXPIRED on disk means the crash hit between the expiry being
	// persisted and the restore finishing.
	change := seedProtectedChange(t, h, path, []byte("good\n"),
		types.StateExpired, time.Now().Add(-time.Minute))

	require.NoError(t, h.eng.Recover(context.Background()))

	after, err := h.store.GetChange(change.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateReverted, after.State)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("good\n"), data)
}

func TestRecoverIgnoresTerminalStates(t *testing.T) {
	h := newHarness(t)
	path := filepath.Join(h.dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("kept\n"), 0o644))

	change := seedProtectedChange(t, h, path, []byte("old\n"),
		types.StateReverted, time.Now().Add(-time.Hour))

	require.NoError(t, h.eng.Recover(context.Background()))

	after, err := h.store.GetChange(change.ID)
	require.NoError(t, err)
	assert.Equal(t, types.StateReverted, after.State)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("kept\n"), data)
}
