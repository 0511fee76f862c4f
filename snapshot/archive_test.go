package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/revertd/revertd/types"
)

func TestArchiveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), archiveName)
	files := []fileContent{
		{
			Entry: types.FileEntry{
				Path:    "/etc/app/app.conf",
				Type:    types.FileTypeFile,
				Mode:    0o644,
				ModTime: time.Now().UTC().Truncate(time.Second),
			},
			Content: []byte("listen_port = 8080\n"),
		},
		{
			Entry: types.FileEntry{
				Path: "/etc/hosts",
				Type: types.FileTypeFile,
				Mode: 0o644,
			},
			Content: []byte("127.0.0.1 localhost\n"),
		},
	}

	require.NoError(t, createArchive(path, files))

	contents, err := extractArchive(path)
	require.NoError(t, err)
	require.Len(t, contents, 2)
	assert.Equal(t, []byte("listen_port = 8080\n"), contents["/etc/app/app.conf"])
	assert.Equal(t, []byte("127.0.0.1 localhost\n"), contents["/etc/hosts"])
}

func TestArchiveEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), archiveName)
	require.NoError(t, createArchive(path, nil))

	contents, err := extractArchive(path)
	require.NoError(t, err)
	assert.Empty(t, contents)
}

func TestExtractArchiveMissing(t *testing.T) {
	_, err := extractArchive(filepath.Join(t.TempDir(), "nope.tar.zst"))
	require.Error(t, err)
}

func TestExtractArchiveCorrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), archiveName)
	require.NoError(t, os.WriteFile(path, []byte("not a zstd stream"), 0o600))

	_, err := extractArchive(path)
	require.Error(t, err)
}
