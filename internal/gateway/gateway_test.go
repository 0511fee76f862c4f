package gateway

import (
	"context"
	"fmt"
	"io/fs"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revertd/revertd/journal"
	"github.com/revertd/revertd/types"
)

type fakeEngine struct {
	changes    map[string]*types.PendingChange
	restoreErr error
	restored   []string
}

func (f *fakeEngine) Confirm(_ context.Context, ref string) (*types.PendingChange, error) {
	change, ok := f.changes[ref]
	if !ok {
		return nil, &types.NotPendingError{ChangeID: ref}
	}
	if change.State != types.StatePending {
		return nil, &types.NotPendingError{ChangeID: change.ID, State: change.State}
	}
	confirmed := *change
	confirmed.State = types.StateConfirmed
	confirmed.ConfirmedAt = time.Now().UTC()
	return &confirmed, nil
}

func (f *fakeEngine) Pending() ([]types.PendingChange, error) {
	var out []types.PendingChange
	for _, c := range f.changes {
		if c.State == types.StatePending {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeEngine) Changes(states ...types.ChangeState) ([]types.PendingChange, error) {
	var out []types.PendingChange
	for _, c := range f.changes {
		out = append(out, *c)
	}
	return out, nil
}

func (f *fakeEngine) RestoreSnapshot(_ context.Context, id string) error {
	if f.restoreErr != nil {
		return f.restoreErr
	}
	f.restored = append(f.restored, id)
	return nil
}

type fakeLister struct {
	snaps []*types.Snapshot
}

func (f *fakeLister) List() ([]*types.Snapshot, error) { return f.snaps, nil }

func pendingChange(id, path string) *types.PendingChange {
	return &types.PendingChange{
		ID:         id,
		Path:       path,
		Category:   types.CategorySSH,
		SnapshotID: "snap-" + id,
		State:      types.StatePending,
		CreatedAt:  time.Now().UTC(),
		Deadline:   time.Now().Add(10 * time.Minute).UTC(),
	}
}

// startGateway serves the API on a socket under a temp dir and returns
// a client wired to it.
func startGateway(t *testing.T, eng Engine, snaps SnapshotLister, journalDir string) *Client {
	t.Helper()

	socket := filepath.Join(t.TempDir(), "revertd.sock")
	srv := NewServer(socket, eng, snaps, journalDir)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = srv.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", socket)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond, "gateway never came up")

	return NewClient(socket)
}

func TestConfirmRoundTrip(t *testing.T) {
	eng := &fakeEngine{changes: map[string]*types.PendingChange{
		"chg-1": pendingChange("chg-1", "/etc/ssh/sshd_config"),
	}}
	client := startGateway(t, eng, &fakeLister{}, t.TempDir())

	change, err := client.Confirm(context.Background(), "chg-1")
	require.NoError(t, err)
	assert.Equal(t, "chg-1", change.ID)
	assert.Equal(t, types.StateConfirmed, change.State)
	assert.False(t, change.ConfirmedAt.IsZero())
}

func TestConfirmUnknownChangeIsNotPending(t *testing.T) {
	client := startGateway(t, &fakeEngine{changes: map[string]*types.PendingChange{}}, &fakeLister{}, t.TempDir())

	_, err := client.Confirm(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, types.IsNotPending(err))
}

func TestConfirmResolvedChangeCarriesState(t *testing.T) {
	reverted := pendingChange("chg-1", "/etc/ssh/sshd_config")
	reverted.State = types.StateReverted
	eng := &fakeEngine{changes: map[string]*types.PendingChange{"chg-1": reverted}}
	client := startGateway(t, eng, &fakeLister{}, t.TempDir())

	_, err := client.Confirm(context.Background(), "chg-1")
	require.Error(t, err)

	var npe *types.NotPendingError
	require.ErrorAs(t, err, &npe)
	assert.Equal(t, types.StateReverted, npe.State)
}

func TestPendingListsRemainingWindow(t *testing.T) {
	eng := &fakeEngine{changes: map[string]*types.PendingChange{
		"chg-1": pendingChange("chg-1", "/etc/nftables.conf"),
	}}
	client := startGateway(t, eng, &fakeLister{}, t.TempDir())

	items, err := client.Pending(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "chg-1", items[0].ID)
	assert.NotEmpty(t, items[0].Remaining)
}

func TestStatusCountsAndRecentHistory(t *testing.T) {
	journalDir := t.TempDir()
	jrnl, err := journal.Open(journalDir)
	require.NoError(t, err)
	require.NoError(t, jrnl.Append(journal.EntryDetected, "chg-1", "/etc/ssh/sshd_config", nil))
	require.NoError(t, jrnl.Append(journal.EntryConfirmed, "chg-1", "/etc/ssh/sshd_config", nil))
	require.NoError(t, jrnl.Close())

	confirmed := pendingChange("chg-2", "/etc/exports")
	confirmed.State = types.StateConfirmed
	eng := &fakeEngine{changes: map[string]*types.PendingChange{
		"chg-1": pendingChange("chg-1", "/etc/ssh/sshd_config"),
		"chg-2": confirmed,
	}}
	client := startGateway(t, eng, &fakeLister{}, journalDir)

	st, err := client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, st.Counts[types.StatePending])
	assert.Equal(t, 1, st.Counts[types.StateConfirmed])
	assert.NotEmpty(t, st.Uptime)

	require.Len(t, st.Recent, 2)
	assert.Equal(t, journal.EntryDetected, st.Recent[0].Type)
	assert.Equal(t, journal.EntryConfirmed, st.Recent[1].Type)
}

func TestSnapshotsListed(t *testing.T) {
	lister := &fakeLister{snaps: []*types.Snapshot{
		{ID: "20260823-120000-abcd1234", Kind: "auto", TakenAt: time.Now().UTC()},
	}}
	client := startGateway(t, &fakeEngine{changes: map[string]*types.PendingChange{}}, lister, t.TempDir())

	snaps, err := client.Snapshots(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	assert.Equal(t, "20260823-120000-abcd1234", snaps[0].ID)
}

func TestRestoreSnapshotByID(t *testing.T) {
	eng := &fakeEngine{changes: map[string]*types.PendingChange{}}
	client := startGateway(t, eng, &fakeLister{}, t.TempDir())

	require.NoError(t, client.RestoreSnapshot(context.Background(), "snap-1"))
	assert.Equal(t, []string{"snap-1"}, eng.restored)
}

func TestRestoreUnknownSnapshotFails(t *testing.T) {
	eng := &fakeEngine{
		changes:    map[string]*types.PendingChange{},
		restoreErr: fmt.Errorf("snapshot snap-9: %w", fs.ErrNotExist),
	}
	client := startGateway(t, eng, &fakeLister{}, t.TempDir())

	err := client.RestoreSnapshot(context.Background(), "snap-9")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "snap-9")
}

func TestClientWithoutDaemon(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "missing.sock"))

	_, err := client.Pending(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "daemon not reachable")
}
