package snapshot

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/revertd/revertd/types"
)

const (
	archiveName    = "files.tar.zst"
	metadataName   = "metadata.json"
	payloadDirName = "payloads"
)

// fileContent pairs a snapshot entry with the bytes to archive for it.
type fileContent struct {
	Entry   types.FileEntry
	Content []byte
}

// createArchive writes regular file contents to a zstd compressed tar
// at path. Entry names are the absolute source paths without the
// leading slash.
func createArchive(path string, files []fileContent) error {
	f, err := os.Create(path) // #nosec G304 -- path is under the store's own directory
	if err != nil {
		return fmt.Errorf("create archive: %w", err)
	}

	zw, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("zstd writer: %w", err)
	}

	tw := tar.NewWriter(zw)
	if err := writeEntries(tw, files); err != nil {
		_ = tw.Close()
		_ = zw.Close()
		_ = f.Close()
		return err
	}

	if err := tw.Close(); err != nil {
		_ = zw.Close()
		_ = f.Close()
		return fmt.Errorf("close tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		_ = f.Close()
		return fmt.Errorf("close zstd: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync archive: %w", err)
	}
	return f.Close()
}

func writeEntries(tw *tar.Writer, files []fileContent) error {
	for _, fc := range files {
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     strings.TrimPrefix(fc.Entry.Path, "/"),
			Mode:     int64(fc.Entry.Mode.Perm()),
			Uid:      fc.Entry.UID,
			Gid:      fc.Entry.GID,
			Size:     int64(len(fc.Content)),
			ModTime:  fc.Entry.ModTime,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("write header for %s: %w", fc.Entry.Path, err)
		}
		if _, err := tw.Write(fc.Content); err != nil {
			return fmt.Errorf("write content for %s: %w", fc.Entry.Path, err)
		}
	}
	return nil
}

// extractArchive reads a snapshot archive back into memory, keyed by
// absolute path.
func extractArchive(path string) (map[string][]byte, error) {
	f, err := os.Open(path) // #nosec G304 -- path is under the store's own directory
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer func() { _ = f.Close() }()

	zr, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	contents := make(map[string][]byte)
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, fmt.Errorf("read %s from archive: %w", hdr.Name, err)
		}
		contents["/"+hdr.Name] = data
	}
	return contents, nil
}
