package types

import (
	"io/fs"
	"time"
)

// Fingerprint identifies the content and identity-relevant metadata of
// a path. Two fingerprints with equal checksums describe the same
// content regardless of mtime.
type Fingerprint struct {
	Checksum string      `json:"checksum,omitempty"`
	Size     int64       `json:"size,omitempty"`
	Mode     fs.FileMode `json:"mode,omitempty"`
	ModTime  time.Time   `json:"mod_time,omitempty"`
}

// IsZero reports whether the fingerprint carries no observation,
// meaning the path did not exist when it was taken.
func (f Fingerprint) IsZero() bool {
	return f.Checksum == "" && f.Size == 0 && f.Mode == 0 && f.ModTime.IsZero()
}

// Equal reports whether two fingerprints describe the same content.
// Checksums decide when both sides have one; otherwise size, mode and
// mtime must all match.
func (f Fingerprint) Equal(other Fingerprint) bool {
	if f.Checksum != "" && other.Checksum != "" {
		return f.Checksum == other.Checksum && f.Mode == other.Mode
	}
	return f.Size == other.Size && f.Mode == other.Mode && f.ModTime.Equal(other.ModTime)
}

// CheapMatch reports whether stat-level metadata alone already matches,
// letting callers skip hashing unchanged files.
func (f Fingerprint) CheapMatch(other Fingerprint) bool {
	return f.Size == other.Size && f.Mode == other.Mode && f.ModTime.Equal(other.ModTime)
}
