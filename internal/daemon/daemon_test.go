package daemon

import (
	"context"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revertd/revertd/config"
	"github.com/revertd/revertd/internal/gateway"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

func testLogger() *telemetry.Logger {
	return telemetry.NewLogger("daemon-test")
}

func httpGet(addr, path string) (int, error) {
	resp, err := http.Get("http://" + addr + path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.DefaultConfig()
	cfg.StateDir = dir
	cfg.Socket = filepath.Join(dir, "revertd.sock")
	cfg.MetricsListen = "" // no fixed port in tests
	cfg.Watch.Paths = []config.WatchPath{
		{Path: filepath.Join(dir, "watched.conf"), Category: types.CategorySystem},
	}
	cfg.Watch.Debounce = config.Duration(40 * time.Millisecond)
	cfg.Revert.ConnectivityProbes = nil
	return cfg
}

func TestNewWiresComponentGraph(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg)
	require.NoError(t, err)
	d.close()

	// Construction created the on-disk layout.
	assert.FileExists(t, filepath.Join(cfg.StateDir, "state.db"))
	assert.DirExists(t, filepath.Join(cfg.StateDir, "journal"))
	assert.DirExists(t, filepath.Join(cfg.StateDir, "snapshots"))
}

func TestRunStopsOnContextCancel(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// The gateway socket coming up means the actor group is running.
	require.Eventually(t, func() bool {
		conn, err := net.Dial("unix", cfg.Socket)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond, "gateway never listened")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err, "cancellation is a clean shutdown")
	case <-time.After(5 * time.Second):
		t.Fatal("daemon did not stop on cancel")
	}

	// The socket is cleaned up on shutdown.
	_, err = os.Stat(cfg.Socket)
	assert.True(t, os.IsNotExist(err))
}

func TestDaemonServesGatewayRequests(t *testing.T) {
	cfg := testConfig(t)

	d, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	client := gateway.NewClient(cfg.Socket)
	require.Eventually(t, func() bool {
		_, err := client.Status(context.Background())
		return err == nil
	}, 3*time.Second, 20*time.Millisecond, "status endpoint never answered")

	pending, err := client.Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMetricsServerServesHealthAndMetrics(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runMetricsServer(ctx, addr, testLogger()) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	require.Eventually(t, func() bool {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			return false
		}
		_ = conn.Close()
		return true
	}, 3*time.Second, 20*time.Millisecond, "metrics server never listened")

	for _, path := range []string{"/health", "/-/healthy", "/-/ready", "/metrics"} {
		resp, err := httpGet(addr, path)
		require.NoError(t, err, path)
		assert.Equal(t, 200, resp, path)
	}
}
