package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"syscall"

	"github.com/revertd/revertd/fingerprint"
	"github.com/revertd/revertd/types"
)

// retainCap bounds how much file content the baseline keeps per path.
// Larger files keep fingerprint only; their snapshot falls back to
// reading the live path.
const retainCap = 16 << 20

// seedBaselines retains the current state of every watched path without
// emitting events. Paths already known keep their retained state, which
// is what makes Run restartable.
func (w *Watcher) seedBaselines() int {
	seeded := 0
	for _, path := range w.expand() {
		w.mu.Lock()
		_, known := w.known[path]
		w.mu.Unlock()
		if known {
			continue
		}
		w.seed(path)
		seeded++
	}
	return seeded
}

// seed replaces the retained state of one path with what is on disk
// right now. An absent path keeps a nil state and a zero fingerprint.
func (w *Watcher) seed(path string) {
	state, fp, err := retain(path)
	if err != nil {
		w.logger.Warn().Err(err).Str("path", path).Msg("retain baseline failed")
		return
	}

	w.mu.Lock()
	w.known[path] = struct{}{}
	w.states[path] = state
	w.prints[path] = fp
	w.mu.Unlock()
}

// retain reads one path into a FileState. Content is kept in memory up
// to retainCap so the next change event can carry genuinely pre-change
// bytes; over the cap only metadata is retained.
func retain(path string) (*types.FileState, types.Fingerprint, error) {
	info, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, types.Fingerprint{}, nil
	}
	if err != nil {
		return nil, types.Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}

	entry := types.FileEntry{
		Path:    path,
		Mode:    info.Mode(),
		ModTime: info.ModTime().UTC(),
	}
	entry.UID, entry.GID = ownership(info)

	if info.IsDir() {
		entry.Type = types.FileTypeDir
		// Same shape fingerprint.Stat produces, so an untouched
		// directory keeps matching across poll cycles.
		return &types.FileState{Entry: entry},
			types.Fingerprint{Size: info.Size(), Mode: info.Mode(), ModTime: info.ModTime()}, nil
	}

	entry.Type = types.FileTypeFile
	entry.Size = info.Size()

	if info.Size() > retainCap || !info.Mode().IsRegular() {
		fp, err := fingerprint.File(path)
		if err != nil {
			return nil, types.Fingerprint{}, err
		}
		entry.Checksum = fp.Checksum
		return &types.FileState{Entry: entry}, fp, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- watched paths come from config
	if err != nil {
		return nil, types.Fingerprint{}, fmt.Errorf("read %s: %w", path, err)
	}
	entry.Size = int64(len(data))
	entry.Checksum = fingerprint.Bytes(data)

	fp := types.Fingerprint{
		Checksum: entry.Checksum,
		Size:     entry.Size,
		Mode:     entry.Mode,
		ModTime:  info.ModTime(),
	}
	return &types.FileState{Entry: entry, Content: data}, fp, nil
}

// ownership extracts uid and gid where the platform exposes them.
func ownership(info fs.FileInfo) (int, int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return 0, 0
}

// Baseline returns the retained state of one path, nil when the path
// is unknown or was absent at the last settle.
func (w *Watcher) Baseline(path string) *types.FileState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.states[path]
}
