package types

import (
	"io/fs"
	"time"
)

// FileType describes what a snapshot entry was at capture time.
type FileType string

const (
	FileTypeFile   FileType = "file"
	FileTypeDir    FileType = "dir"
	FileTypeAbsent FileType = "absent"
)

// FileEntry records one path inside a snapshot. Absent entries mark
// paths that did not exist at capture time; restoring them deletes
// whatever is there now.
type FileEntry struct {
	Path     string      `json:"path"`
	Type     FileType    `json:"type"`
	Size     int64       `json:"size,omitempty"`
	Mode     fs.FileMode `json:"mode,omitempty"`
	UID      int         `json:"uid"`
	GID      int         `json:"gid"`
	ModTime  time.Time   `json:"mod_time,omitempty"`
	Checksum string      `json:"checksum,omitempty"`
}

// FileState is the retained last-settled observation of one watched
// file: the metadata restore needs plus the content bytes as they were
// before the change now being reported. Content is nil when the file
// exceeded the watcher's retention cap; capture then falls back to
// reading the live path.
type FileState struct {
	Entry   FileEntry
	Content []byte
}

// PayloadEntry records the outcome of one payload producer run.
// A non-empty Err marks a producer failure; it never fails the snapshot.
type PayloadEntry struct {
	Producer string `json:"producer"`
	Name     string `json:"name"`
	Detail   string `json:"detail,omitempty"`
	Err      string `json:"error,omitempty"`
}

// Snapshot is the captured pre-change state of a set of paths plus any
// payload producer output, stored as a compressed archive with this
// metadata beside it. Kind separates automatic pre-change captures from
// operator-requested ones.
type Snapshot struct {
	ID          string         `json:"id"`
	TakenAt     time.Time      `json:"taken_at"`
	Kind        string         `json:"kind"`
	Description string         `json:"description,omitempty"`
	TriggerPath string         `json:"trigger_path,omitempty"`
	Files       []FileEntry    `json:"files"`
	Payloads    []PayloadEntry `json:"payloads,omitempty"`
	Archive     string         `json:"archive"`
}

// TotalSize sums the recorded sizes of all file entries.
func (s *Snapshot) TotalSize() int64 {
	var total int64
	for _, f := range s.Files {
		total += f.Size
	}
	return total
}

// Entry returns the file entry for path, if the snapshot covers it.
func (s *Snapshot) Entry(path string) (FileEntry, bool) {
	for _, f := range s.Files {
		if f.Path == path {
			return f, true
		}
	}
	return FileEntry{}, false
}

// PayloadFailures returns the payload entries whose producer failed.
func (s *Snapshot) PayloadFailures() []PayloadEntry {
	var failed []PayloadEntry
	for _, p := range s.Payloads {
		if p.Err != "" {
			failed = append(failed, p)
		}
	}
	return failed
}
