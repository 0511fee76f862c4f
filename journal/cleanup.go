package journal

import (
	"fmt"
	"os"
	"slices"
	"time"
)

// CleanupStats tracks cleanup operation results
type CleanupStats struct {
	FilesRemoved int
	BytesFreed   int64
}

// Cleanup removes journal files older than maxAge and, after that,
// the oldest files beyond maxFiles. The file currently being written
// is never removed.
func Cleanup(dir string, maxAge time.Duration, maxFiles int) (CleanupStats, error) {
	stats := CleanupStats{}
	files := listFiles(dir)
	if len(files) == 0 {
		return stats, nil
	}

	// Keep the newest file out of consideration.
	candidates := files[:len(files)-1]

	cutoff := time.Now().Add(-maxAge)
	var remove []string
	for _, file := range candidates {
		if maxAge > 0 && isOlderThan(file, cutoff) {
			remove = append(remove, file)
		}
	}

	if maxFiles > 0 {
		kept := len(files) - len(remove)
		for _, file := range candidates {
			if kept <= maxFiles {
				break
			}
			if !slices.Contains(remove, file) {
				remove = append(remove, file)
				kept--
			}
		}
	}

	for _, file := range remove {
		info, statErr := os.Stat(file)
		if err := os.Remove(file); err != nil {
			return stats, fmt.Errorf("remove journal file %s: %w", file, err)
		}
		stats.FilesRemoved++
		if statErr == nil {
			stats.BytesFreed += info.Size()
		}
	}
	return stats, nil
}

// isOlderThan checks if file modification time is before cutoff
func isOlderThan(path string, cutoff time.Time) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.ModTime().Before(cutoff)
}
