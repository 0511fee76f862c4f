// Package journal keeps an append-only JSON-lines record of every
// change lifecycle transition, for audit and for the status CLI.
package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// EntryType defines the type of journal entry
type EntryType string

const (
	EntryDetected     EntryType = "detected"
	EntryCaptured     EntryType = "captured"
	EntryScheduled    EntryType = "scheduled"
	EntrySuperseded   EntryType = "superseded"
	EntryConfirmed    EntryType = "confirmed"
	EntryExpired      EntryType = "expired"
	EntryReverted     EntryType = "reverted"
	EntryRevertFailed EntryType = "revert_failed"
	EntryDiscarded    EntryType = "discarded"
)

// Entry represents a single journal entry
type Entry struct {
	Timestamp time.Time       `json:"timestamp"`
	Sequence  int64           `json:"sequence"`
	Type      EntryType       `json:"type"`
	ChangeID  string          `json:"change_id,omitempty"`
	Path      string          `json:"path,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
}

// Journal appends entries to one file per day under dir.
type Journal struct {
	mu       sync.Mutex
	dir      string
	file     *os.File
	writer   *bufio.Writer
	day      string
	sequence int64
}

const filePrefix = "revertd"

// Open creates or opens a journal in the specified directory and
// resumes the sequence from the newest existing file.
func Open(dir string) (*Journal, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}

	j := &Journal{dir: dir}
	j.sequence = lastSequence(dir)

	if err := j.openDayFile(time.Now()); err != nil {
		return nil, err
	}
	return j, nil
}

// Close flushes and closes the journal
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.file == nil {
		return nil
	}
	if err := j.writer.Flush(); err != nil {
		return err
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// Append adds an entry to the journal. A nil data payload is omitted.
func (j *Journal) Append(entryType EntryType, changeID, path string, data any) error {
	return j.append(entryType, changeID, path, data, nil)
}

// AppendError adds an entry that records a failure.
func (j *Journal) AppendError(entryType EntryType, changeID, path string, data any, cause error) error {
	return j.append(entryType, changeID, path, data, cause)
}

func (j *Journal) append(entryType EntryType, changeID, path string, data any, cause error) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	var raw json.RawMessage
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("marshal journal data: %w", err)
		}
		raw = encoded
	}

	j.sequence++
	entry := Entry{
		Timestamp: time.Now(),
		Sequence:  j.sequence,
		Type:      entryType,
		ChangeID:  changeID,
		Path:      path,
		Data:      raw,
	}
	if cause != nil {
		entry.Error = cause.Error()
	}

	return j.writeEntry(entry)
}

// writeEntry rotates to the current day's file if needed, then writes
// one line and syncs it to disk.
func (j *Journal) writeEntry(entry Entry) error {
	if err := j.openDayFile(entry.Timestamp); err != nil {
		return err
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	if err := j.writer.WriteByte('\n'); err != nil {
		return fmt.Errorf("write journal newline: %w", err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("flush journal: %w", err)
	}
	return j.file.Sync()
}

// openDayFile ensures the file for ts's day is the open one.
func (j *Journal) openDayFile(ts time.Time) error {
	day := ts.Format("20060102")
	if j.file != nil && j.day == day {
		return nil
	}

	if j.file != nil {
		_ = j.writer.Flush()
		_ = j.file.Close()
	}

	path := filepath.Join(j.dir, fmt.Sprintf("%s-%s.journal", filePrefix, day))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644) // #nosec G304
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}

	j.file = file
	j.writer = bufio.NewWriter(file)
	j.day = day
	return nil
}

// lastSequence scans the newest journal file for the highest sequence.
func lastSequence(dir string) int64 {
	files := listFiles(dir)
	if len(files) == 0 {
		return 0
	}

	reader, err := NewReader(files[len(files)-1])
	if err != nil {
		return 0
	}
	defer func() { _ = reader.Close() }()

	var max int64
	for {
		entry, err := reader.Next()
		if err != nil {
			break
		}
		if entry.Sequence > max {
			max = entry.Sequence
		}
	}
	return max
}

// listFiles returns the journal files in dir, oldest first.
func listFiles(dir string) []string {
	files, err := filepath.Glob(filepath.Join(dir, filePrefix+"-*.journal"))
	if err != nil {
		return nil
	}
	sort.Strings(files)
	return files
}

// Reader provides journal replay functionality
type Reader struct {
	scanner *bufio.Scanner
	file    *os.File
}

// NewReader creates a journal reader for the specified file
func NewReader(path string) (*Reader, error) {
	file, err := os.Open(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("open journal file: %w", err)
	}

	return &Reader{
		scanner: bufio.NewScanner(file),
		file:    file,
	}, nil
}

// Next reads the next entry, returning io.EOF at the end.
func (r *Reader) Next() (*Entry, error) {
	if !r.scanner.Scan() {
		if err := r.scanner.Err(); err != nil {
			return nil, err
		}
		return nil, io.EOF
	}

	var entry Entry
	if err := json.Unmarshal(r.scanner.Bytes(), &entry); err != nil {
		return nil, fmt.Errorf("unmarshal journal entry: %w", err)
	}
	return &entry, nil
}

// Close closes the reader
func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay calls handler for every entry after since, oldest first.
func Replay(dir string, since time.Time, handler func(*Entry) error) error {
	for _, file := range listFiles(dir) {
		if err := replayFile(file, since, handler); err != nil {
			return err
		}
	}
	return nil
}

func replayFile(path string, since time.Time, handler func(*Entry) error) error {
	reader, err := NewReader(path)
	if err != nil {
		return err
	}
	defer func() { _ = reader.Close() }()

	for {
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if entry.Timestamp.After(since) {
			if err := handler(entry); err != nil {
				return err
			}
		}
	}
}

// Tail returns the last n entries across all journal files, oldest
// first. Used by the status surfaces for recent history.
func Tail(dir string, n int) ([]Entry, error) {
	if n <= 0 {
		return nil, nil
	}

	var entries []Entry
	err := Replay(dir, time.Time{}, func(e *Entry) error {
		entries = append(entries, *e)
		if len(entries) > n {
			entries = entries[1:]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entries, nil
}
