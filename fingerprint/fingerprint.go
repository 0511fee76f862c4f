// Package fingerprint computes content fingerprints for watched paths.
// A fingerprint pairs a BLAKE3 digest with the stat metadata the
// watcher uses for cheap no-change detection.
package fingerprint

import (
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/revertd/revertd/types"
	"github.com/zeebo/blake3"
)

// File returns the full fingerprint of path, hashing the content of
// regular files. Directories and other non-regular files get a
// stat-only fingerprint; hashing a directory would mean walking its
// subtree on every event.
func File(path string) (types.Fingerprint, error) {
	fp, err := Stat(path)
	if err != nil {
		return types.Fingerprint{}, err
	}
	if !fp.Mode.IsRegular() {
		return fp, nil
	}

	f, err := os.Open(path) // #nosec G304 -- watched paths come from config
	if err != nil {
		return types.Fingerprint{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	sum, _, err := Reader(f)
	if err != nil {
		return types.Fingerprint{}, fmt.Errorf("hash %s: %w", path, err)
	}
	fp.Checksum = sum
	return fp, nil
}

// Stat returns a metadata-only fingerprint, the cheap pre-check before
// deciding whether a full hash is worth it.
func Stat(path string) (types.Fingerprint, error) {
	info, err := os.Stat(path)
	if err != nil {
		return types.Fingerprint{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return types.Fingerprint{
		Size:    info.Size(),
		Mode:    info.Mode(),
		ModTime: info.ModTime(),
	}, nil
}

// Reader hashes everything in r, returning the hex digest and the
// number of bytes consumed.
func Reader(r io.Reader) (string, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Bytes returns the hex BLAKE3 digest of data.
func Bytes(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
