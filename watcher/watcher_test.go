package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revertd/revertd/config"
	"github.com/revertd/revertd/fingerprint"
	"github.com/revertd/revertd/types"
)

func watchConfig(paths ...config.WatchPath) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Watch.Paths = paths
	cfg.Watch.Debounce = config.Duration(40 * time.Millisecond)
	cfg.Watch.PollInterval = config.Duration(250 * time.Millisecond)
	cfg.Watch.RescanInterval = config.Duration(time.Minute)
	cfg.Watch.QueueSize = 16
	return cfg
}

func startWatcher(t *testing.T, w *Watcher) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Give Run a moment to seed baselines and arm watches.
	time.Sleep(50 * time.Millisecond)
}

func waitEvent(t *testing.T, w *Watcher) types.ChangeEvent {
	t.Helper()
	select {
	case ev := <-w.Events():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no change event")
		return types.ChangeEvent{}
	}
}

func assertNoEvent(t *testing.T, w *Watcher, window time.Duration) {
	t.Helper()
	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s (%s)", ev.Path, ev.Type)
	case <-time.After(window):
	}
}

func TestBurstCoalescesToOneEvent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("Port 22\n"), 0o644))

	w := New(watchConfig(config.WatchPath{Path: path, Category: types.CategorySSH}))
	startWatcher(t, w)

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("Port 2222\n"), 0o644))
		time.Sleep(10 * time.Millisecond)
	}

	ev := waitEvent(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, types.ChangeModified, ev.Type)
	assert.Equal(t, types.CategorySSH, ev.Category)

	require.NotNil(t, ev.Prior, "event must carry the pre-change state")
	assert.Equal(t, []byte("Port 22\n"), ev.Prior.Content)

	assertNoEvent(t, w, 200*time.Millisecond)
}

func TestTouchWithoutContentChangeIsSilent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "resolv.conf")
	require.NoError(t, os.WriteFile(path, []byte("nameserver 1.1.1.1\n"), 0o644))

	w := New(watchConfig(config.WatchPath{Path: path, Category: types.CategoryNetwork}))
	startWatcher(t, w)

	// Same bytes, new mtime. The notification fires but the
	// fingerprint matches, so nothing is emitted.
	require.NoError(t, os.WriteFile(path, []byte("nameserver 1.1.1.1\n"), 0o644))

	assertNoEvent(t, w, 300*time.Millisecond)
}

func TestCreationOfWatchedPathDetected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nft.conf")

	w := New(watchConfig(config.WatchPath{Path: path, Category: types.CategoryFirewall}))
	startWatcher(t, w)

	require.NoError(t, os.WriteFile(path, []byte("table inet filter {}\n"), 0o644))

	ev := waitEvent(t, w)
	assert.Equal(t, types.ChangeCreated, ev.Type)
	assert.Equal(t, path, ev.Path)
	assert.Nil(t, ev.Prior, "created file has no prior state")
	assert.False(t, ev.Fingerprint.IsZero())
}

func TestDeletionCarriesPriorContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "exports")
	require.NoError(t, os.WriteFile(path, []byte("/srv *(ro)\n"), 0o644))

	w := New(watchConfig(config.WatchPath{Path: path, Category: types.CategorySystem}))
	startWatcher(t, w)

	require.NoError(t, os.Remove(path))

	ev := waitEvent(t, w)
	assert.Equal(t, types.ChangeDeleted, ev.Type)
	assert.True(t, ev.Fingerprint.IsZero(), "deleted path has zero fingerprint")
	require.NotNil(t, ev.Prior)
	assert.Equal(t, []byte("/srv *(ro)\n"), ev.Prior.Content)
}

func TestGlobMatchedFileAdopted(t *testing.T) {
	dir := t.TempDir()

	w := New(watchConfig(config.WatchPath{
		Path:     filepath.Join(dir, "*.conf"),
		Category: types.CategoryNetwork,
	}))
	startWatcher(t, w)

	path := filepath.Join(dir, "dnsmasq.conf")
	require.NoError(t, os.WriteFile(path, []byte("domain-needed\n"), 0o644))

	ev := waitEvent(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, types.ChangeCreated, ev.Type)
	assert.Equal(t, types.CategoryNetwork, ev.Category)

	// Files outside the pattern stay invisible.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	assertNoEvent(t, w, 200*time.Millisecond)
}

func TestSuppressedPathReseedsSilently(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sshd_config")
	require.NoError(t, os.WriteFile(path, []byte("Port 22\n"), 0o644))

	w := New(watchConfig(config.WatchPath{Path: path, Category: types.CategorySSH}))
	startWatcher(t, w)

	w.Suppress([]string{path}, time.Second)
	require.NoError(t, os.WriteFile(path, []byte("Port 22\nPermitRootLogin no\n"), 0o644))

	assertNoEvent(t, w, 300*time.Millisecond)

	// The baseline advanced to the suppressed write, so it is the new
	// reference content.
	state := w.Baseline(path)
	require.NotNil(t, state)
	assert.Equal(t, []byte("Port 22\nPermitRootLogin no\n"), state.Content)
}

func TestRecursiveWatchSeesNestedFile(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "conf.d")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	path := filepath.Join(sub, "10-local.conf")
	require.NoError(t, os.WriteFile(path, []byte("v=1\n"), 0o644))

	w := New(watchConfig(config.WatchPath{Path: dir, Category: types.CategorySystem, Recursive: true}))
	startWatcher(t, w)

	require.NoError(t, os.WriteFile(path, []byte("v=2\n"), 0o644))

	ev := waitEvent(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, types.ChangeModified, ev.Type)
	require.NotNil(t, ev.Prior)
	assert.Equal(t, []byte("v=1\n"), ev.Prior.Content)
}

func TestSubtreeEntryWatchesNestedFiles(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "network")
	require.NoError(t, os.MkdirAll(filepath.Join(base, "interfaces.d"), 0o755))
	path := filepath.Join(base, "interfaces")
	nested := filepath.Join(base, "interfaces.d", "eth0")
	require.NoError(t, os.WriteFile(path, []byte("auto eth0\n"), 0o644))
	require.NoError(t, os.WriteFile(nested, []byte("iface eth0 inet dhcp\n"), 0o644))

	w := New(watchConfig(config.WatchPath{Path: base + "/**", Category: types.CategoryNetwork}))
	startWatcher(t, w)

	// Nothing moved yet, nothing fires.
	assertNoEvent(t, w, 300*time.Millisecond)

	require.NoError(t, os.WriteFile(path, []byte("auto eth1\n"), 0o644))

	ev := waitEvent(t, w)
	assert.Equal(t, path, ev.Path)
	assert.Equal(t, types.ChangeModified, ev.Type)
	assert.Equal(t, types.CategoryNetwork, ev.Category)
	require.NotNil(t, ev.Prior)
	assert.Equal(t, []byte("auto eth0\n"), ev.Prior.Content)

	// Subdirectories of the entry are armed too.
	require.NoError(t, os.WriteFile(nested, []byte("iface eth0 inet static\n"), 0o644))

	ev = waitEvent(t, w)
	assert.Equal(t, nested, ev.Path)
	assert.Equal(t, types.ChangeModified, ev.Type)
	require.NotNil(t, ev.Prior)
	assert.Equal(t, []byte("iface eth0 inet dhcp\n"), ev.Prior.Content)
}

func TestUntouchedWatchedDirectoryStaysSilent(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "network")
	require.NoError(t, os.MkdirAll(base, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(base, "interfaces"), []byte("auto eth0\n"), 0o644))

	w := New(watchConfig(config.WatchPath{Path: base, Category: types.CategoryNetwork}))
	startWatcher(t, w)

	// Spans several poll cycles; the retained directory print must
	// keep matching its own stat.
	assertNoEvent(t, w, 700*time.Millisecond)
}

func TestRetainKeepsContentAndChecksum(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o600))

	state, fp, err := retain(path)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, []byte("payload"), state.Content)
	assert.Equal(t, int64(7), state.Entry.Size)
	assert.False(t, fp.IsZero())
	assert.Equal(t, fp.Checksum, state.Entry.Checksum)
}

func TestRetainAbsentPath(t *testing.T) {
	state, fp, err := retain(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.True(t, fp.IsZero())
}

func TestRetainDirectory(t *testing.T) {
	dir := t.TempDir()

	state, fp, err := retain(dir)
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, types.FileTypeDir, state.Entry.Type)
	assert.Nil(t, state.Content)
	assert.True(t, fp.Mode.IsDir())

	// The retained print and a live stat agree, so polling an
	// untouched directory never reports a change.
	live, err := fingerprint.Stat(dir)
	require.NoError(t, err)
	assert.True(t, fp.Equal(live))
	assert.True(t, live.CheapMatch(fp))
}
