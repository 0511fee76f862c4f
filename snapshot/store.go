// Package snapshot stores captured pre-change state on disk. Each
// snapshot is a directory holding a zstd compressed tar of file
// contents, any payload producer output, and a metadata manifest that
// is written last so half-finished captures are never visible.
package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/moby/sys/atomicwriter"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/revertd/revertd/fingerprint"
	"github.com/revertd/revertd/payload"
	"github.com/revertd/revertd/telemetry"
	"github.com/revertd/revertd/types"
)

// Snapshot kinds.
const (
	KindAuto   = "auto"
	KindManual = "manual"
)

// FileSource names one path to include in a capture. State carries the
// watcher's retained pre-change observation of the path; when nil, or
// when the retained content exceeded the watcher's cap, the live path
// is read instead.
type FileSource struct {
	Path  string
	State *types.FileState
}

// CaptureRequest describes one capture. Kind defaults to KindAuto.
type CaptureRequest struct {
	Description string
	TriggerPath string
	Kind        string
	Files       []FileSource
}

// Store keeps snapshots under one directory, one subdirectory per
// snapshot ID. All operations on a single snapshot are serialized.
type Store struct {
	dir       string
	maxKeep   int
	producers []payload.Producer
	logger    *telemetry.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New opens a store rooted at dir, creating it if needed. maxKeep
// bounds how many unreferenced snapshots Prune retains.
func New(dir string, maxKeep int, producers []payload.Producer) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &Store{
		dir:       dir,
		maxKeep:   maxKeep,
		producers: producers,
		logger:    telemetry.NewLogger("snapshot-store"),
		locks:     make(map[string]*sync.Mutex),
	}, nil
}

// Capture records the state of the requested paths plus all configured
// payload producers. File sources fail the whole capture; a payload
// producer failure is recorded on its entry and capture continues.
func (s *Store) Capture(ctx context.Context, req CaptureRequest) (*types.Snapshot, error) {
	start := time.Now()
	kind := req.Kind
	if kind == "" {
		kind = KindAuto
	}

	id := newID()
	dir := filepath.Join(s.dir, id)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, &types.CaptureError{Path: req.TriggerPath, Err: err}
	}

	snap := &types.Snapshot{
		ID:          id,
		TakenAt:     time.Now().UTC(),
		Kind:        kind,
		Description: req.Description,
		TriggerPath: req.TriggerPath,
	}

	var contents []fileContent
	for _, src := range req.Files {
		entry, data, err := s.collect(src)
		if err != nil {
			_ = os.RemoveAll(dir)
			return nil, &types.CaptureError{Path: src.Path, Err: err}
		}
		snap.Files = append(snap.Files, entry)
		if entry.Type == types.FileTypeFile {
			contents = append(contents, fileContent{Entry: entry, Content: data})
		}
	}

	if len(contents) > 0 {
		if err := createArchive(filepath.Join(dir, archiveName), contents); err != nil {
			_ = os.RemoveAll(dir)
			return nil, &types.CaptureError{Path: req.TriggerPath, Err: err}
		}
		snap.Archive = archiveName
	}

	for _, producer := range s.producers {
		payloadDir := filepath.Join(dir, payloadDirName, producer.Kind())
		if err := os.MkdirAll(payloadDir, 0o700); err != nil {
			_ = os.RemoveAll(dir)
			return nil, &types.CaptureError{Path: req.TriggerPath, Err: err}
		}
		entry, err := producer.Capture(ctx, payloadDir)
		if entry.Producer == "" {
			entry.Producer = producer.Kind()
		}
		if err != nil {
			entry.Err = err.Error()
			s.logger.Warn().Err(err).
				Str("producer", producer.Kind()).
				Str("target", producer.Describe()).
				Msg("payload capture failed")
		}
		snap.Payloads = append(snap.Payloads, entry)
	}

	// Metadata lands last: a directory without it is half-written and
	// invisible to Get and List.
	if err := s.writeMetadata(dir, snap); err != nil {
		_ = os.RemoveAll(dir)
		return nil, &types.CaptureError{Path: req.TriggerPath, Err: err}
	}

	telemetry.SnapshotsCaptured.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	telemetry.CaptureDuration.Record(ctx, time.Since(start).Seconds())
	s.recordDiskUsage(ctx)

	s.logger.Info().
		Str("snapshot_id", id).
		Str("kind", kind).
		Int("files", len(snap.Files)).
		Int("payloads", len(snap.Payloads)).
		Int64("bytes", snap.TotalSize()).
		Msg("snapshot captured")

	return snap, nil
}

// collect resolves one capture source to its entry and content. A
// retained watcher observation wins over the live path.
func (s *Store) collect(src FileSource) (types.FileEntry, []byte, error) {
	if src.State != nil {
		if src.State.Entry.Type != types.FileTypeFile || src.State.Content != nil {
			return src.State.Entry, src.State.Content, nil
		}
		s.logger.Warn().Str("path", src.Path).Msg("retained content over cap, reading live path")
	}
	return readLiveEntry(src.Path)
}

func readLiveEntry(path string) (types.FileEntry, []byte, error) {
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return types.FileEntry{Path: path, Type: types.FileTypeAbsent}, nil, nil
	}
	if err != nil {
		return types.FileEntry{}, nil, fmt.Errorf("stat %s: %w", path, err)
	}

	entry := types.FileEntry{
		Path:    path,
		Mode:    info.Mode(),
		ModTime: info.ModTime().UTC(),
	}
	entry.UID, entry.GID = ownership(info)

	if info.IsDir() {
		entry.Type = types.FileTypeDir
		return entry, nil, nil
	}

	data, err := os.ReadFile(path) // #nosec G304 -- watched paths come from config
	if err != nil {
		return types.FileEntry{}, nil, fmt.Errorf("read %s: %w", path, err)
	}
	entry.Type = types.FileTypeFile
	entry.Size = int64(len(data))
	entry.Checksum = fingerprint.Bytes(data)
	return entry, data, nil
}

// ownership extracts uid and gid where the platform exposes them.
func ownership(info fs.FileInfo) (int, int) {
	if st, ok := info.Sys().(*syscall.Stat_t); ok {
		return int(st.Uid), int(st.Gid)
	}
	return 0, 0
}

// Restore writes a snapshot back to the filesystem. Payload producers
// run first so restarted services find their data in place, then file
// contents land via staged writes. On failure the returned error lists
// the paths already restored.
func (s *Store) Restore(ctx context.Context, id string) error {
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	snap, err := s.Get(id)
	if err != nil {
		return &types.RestoreError{SnapshotID: id, Err: err}
	}
	dir := filepath.Join(s.dir, id)

	for _, producer := range s.producers {
		payloadDir := filepath.Join(dir, payloadDirName, producer.Kind())
		if _, err := os.Stat(payloadDir); err != nil {
			s.logger.Warn().
				Str("producer", producer.Kind()).
				Str("snapshot_id", id).
				Msg("snapshot has no payload data for producer")
			continue
		}
		if err := producer.Restore(ctx, payloadDir); err != nil {
			s.logger.Warn().Err(err).
				Str("producer", producer.Kind()).
				Str("target", producer.Describe()).
				Msg("payload restore failed")
		}
	}

	contents := map[string][]byte{}
	if snap.Archive != "" {
		contents, err = extractArchive(filepath.Join(dir, snap.Archive))
		if err != nil {
			return &types.RestoreError{SnapshotID: id, Err: err}
		}
	}

	dirs, files, absents := splitEntries(snap.Files)

	var restored []string
	for _, entry := range dirs {
		if err := s.restoreDir(entry); err != nil {
			return &types.RestoreError{SnapshotID: id, Restored: restored, Err: err}
		}
		restored = append(restored, entry.Path)
	}
	for _, entry := range files {
		data, ok := contents[entry.Path]
		if !ok {
			err := fmt.Errorf("archive has no content for %s", entry.Path)
			return &types.RestoreError{SnapshotID: id, Restored: restored, Err: err}
		}
		if err := s.restoreFile(entry, data); err != nil {
			return &types.RestoreError{SnapshotID: id, Restored: restored, Err: err}
		}
		restored = append(restored, entry.Path)
	}
	for _, entry := range absents {
		if err := os.RemoveAll(entry.Path); err != nil {
			err = fmt.Errorf("remove %s: %w", entry.Path, err)
			return &types.RestoreError{SnapshotID: id, Restored: restored, Err: err}
		}
		restored = append(restored, entry.Path)
	}

	telemetry.RestoreDuration.Record(ctx, time.Since(start).Seconds())
	s.logger.Info().
		Str("snapshot_id", id).
		Int("paths", len(restored)).
		Msg("snapshot restored")
	return nil
}

// splitEntries orders restore work: directories first so parents exist,
// then file content, then deletion of paths absent at capture time,
// deepest first.
func splitEntries(entries []types.FileEntry) (dirs, files, absents []types.FileEntry) {
	for _, e := range entries {
		switch e.Type {
		case types.FileTypeDir:
			dirs = append(dirs, e)
		case types.FileTypeAbsent:
			absents = append(absents, e)
		default:
			files = append(files, e)
		}
	}
	sort.Slice(dirs, func(i, j int) bool { return dirs[i].Path < dirs[j].Path })
	sort.Slice(absents, func(i, j int) bool { return absents[i].Path > absents[j].Path })
	return dirs, files, absents
}

// restoreDir recreates a directory with its captured mode. Mode errors
// are fatal; ownership and timestamp errors are logged and skipped.
func (s *Store) restoreDir(entry types.FileEntry) error {
	if err := os.MkdirAll(entry.Path, entry.Mode.Perm()); err != nil {
		return fmt.Errorf("mkdir %s: %w", entry.Path, err)
	}
	if err := os.Chmod(entry.Path, entry.Mode.Perm()); err != nil {
		return fmt.Errorf("chmod %s: %w", entry.Path, err)
	}
	s.restoreAttrs(entry)
	return nil
}

// restoreFile writes content to a temp file in the target directory and
// renames it into place, so a crash mid-restore never leaves a torn
// file behind.
func (s *Store) restoreFile(entry types.FileEntry, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(entry.Path), 0o755); err != nil {
		return fmt.Errorf("mkdir parent of %s: %w", entry.Path, err)
	}
	if err := atomicwriter.WriteFile(entry.Path, data, entry.Mode.Perm()); err != nil {
		return fmt.Errorf("write %s: %w", entry.Path, err)
	}
	s.restoreAttrs(entry)
	return nil
}

// restoreAttrs applies ownership and timestamps. Failures are logged,
// not fatal; content and mode already landed.
func (s *Store) restoreAttrs(entry types.FileEntry) {
	if err := os.Chown(entry.Path, entry.UID, entry.GID); err != nil {
		s.logger.Warn().Err(err).Str("path", entry.Path).Msg("restore ownership failed")
	}
	if entry.ModTime.IsZero() {
		return
	}
	if err := os.Chtimes(entry.Path, entry.ModTime, entry.ModTime); err != nil {
		s.logger.Warn().Err(err).Str("path", entry.Path).Msg("restore timestamps failed")
	}
}

// Get loads one snapshot's manifest.
func (s *Store) Get(id string) (*types.Snapshot, error) {
	if !validID(id) {
		return nil, fmt.Errorf("invalid snapshot id %q", id)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, id, metadataName)) // #nosec G304 -- id is validated
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("snapshot %s: %w", id, fs.ErrNotExist)
		}
		return nil, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	var snap types.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	return &snap, nil
}

// List returns all readable snapshots, newest first. Half-written or
// foreign directories are skipped.
func (s *Store) List() ([]*types.Snapshot, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read snapshot dir: %w", err)
	}

	snaps := make([]*types.Snapshot, 0, len(dirEntries))
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		snap, err := s.Get(de.Name())
		if err != nil {
			s.logger.Warn().Err(err).Str("dir", de.Name()).Msg("skipping unreadable snapshot")
			continue
		}
		snaps = append(snaps, snap)
	}

	sort.Slice(snaps, func(i, j int) bool { return snaps[i].TakenAt.After(snaps[j].TakenAt) })
	return snaps, nil
}

// Discard removes one snapshot.
func (s *Store) Discard(id string) error {
	if !validID(id) {
		return fmt.Errorf("invalid snapshot id %q", id)
	}
	lock := s.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	dir := filepath.Join(s.dir, id)
	if _, err := os.Stat(dir); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("snapshot %s: %w", id, fs.ErrNotExist)
		}
		return fmt.Errorf("stat snapshot %s: %w", id, err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("discard snapshot %s: %w", id, err)
	}
	s.logger.Info().Str("snapshot_id", id).Msg("snapshot discarded")
	return nil
}

// Prune removes snapshots beyond the retention limit, oldest first.
// Snapshots in referenced are pinned by pending changes: they are never
// removed and do not consume retention slots.
func (s *Store) Prune(ctx context.Context, referenced map[string]struct{}) (int, error) {
	snaps, err := s.List()
	if err != nil {
		return 0, err
	}

	removed, kept := 0, 0
	for _, snap := range snaps {
		if _, pinned := referenced[snap.ID]; pinned {
			continue
		}
		if kept < s.maxKeep {
			kept++
			continue
		}
		if err := s.Discard(snap.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info().Int("removed", removed).Int("kept", kept).Msg("pruned old snapshots")
	}
	s.recordDiskUsage(ctx)
	return removed, nil
}

func (s *Store) writeMetadata(dir string, snap *types.Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := atomicwriter.WriteFile(filepath.Join(dir, metadataName), data, 0o600); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (s *Store) recordDiskUsage(ctx context.Context) {
	var total int64
	err := filepath.WalkDir(s.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() {
			info, err := d.Info()
			if err != nil {
				return err
			}
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("snapshot disk usage scan failed")
		return
	}
	telemetry.SnapshotBytes.Record(ctx, total)
}

func (s *Store) lockFor(id string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[id] = lock
	}
	return lock
}

// newID returns a sortable snapshot identifier, a UTC timestamp plus a
// short random suffix for same-second captures.
func newID() string {
	return time.Now().UTC().Format("20060102-150405") + "-" + uuid.NewString()[:8]
}

func validID(id string) bool {
	if id == "" || strings.Contains(id, "..") {
		return false
	}
	return !strings.ContainsAny(id, `/\`)
}
