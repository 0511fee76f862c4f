package types

import (
	"fmt"
	"time"
)

// Category classifies a watched path by the subsystem it configures.
// The category decides the default confirmation deadline and which
// post-restore hooks run after a revert.
type Category string

const (
	CategoryNetwork  Category = "network"
	CategorySSH      Category = "ssh"
	CategoryFirewall Category = "firewall"
	CategoryService  Category = "service"
	CategorySystem   Category = "system"
)

// Deadline bounds applied to the built-in category table.
const (
	MinDeadline = 60 * time.Second
	MaxDeadline = 1800 * time.Second
)

// defaultDeadlines holds the built-in confirmation window per category.
var defaultDeadlines = map[Category]time.Duration{
	CategoryNetwork:  600 * time.Second,
	CategorySSH:      900 * time.Second,
	CategoryFirewall: 300 * time.Second,
	CategoryService:  300 * time.Second,
	CategorySystem:   300 * time.Second,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	_, ok := defaultDeadlines[c]
	return ok
}

// DefaultDeadline returns the built-in confirmation window for the
// category, clamped to [MinDeadline, MaxDeadline]. Unknown categories
// fall back to the system default.
func (c Category) DefaultDeadline() time.Duration {
	d, ok := defaultDeadlines[c]
	if !ok {
		d = defaultDeadlines[CategorySystem]
	}
	if d < MinDeadline {
		return MinDeadline
	}
	if d > MaxDeadline {
		return MaxDeadline
	}
	return d
}

// ChangeType describes what happened to a watched path.
type ChangeType string

const (
	ChangeCreated  ChangeType = "created"
	ChangeModified ChangeType = "modified"
	ChangeDeleted  ChangeType = "deleted"
)

// ChangeEvent is emitted by the watcher when a watched path's content
// actually changed. Fingerprint is the post-change state. Prior is the
// retained pre-change state the snapshot must archive; nil means the
// path did not exist before (created).
type ChangeEvent struct {
	Path        string      `json:"path"`
	Category    Category    `json:"category"`
	Type        ChangeType  `json:"type"`
	DetectedAt  time.Time   `json:"detected_at"`
	Fingerprint Fingerprint `json:"fingerprint"`
	Prior       *FileState  `json:"-"`
}

// PriorFingerprint derives the pre-change fingerprint from the retained
// state. Zero for created paths.
func (e *ChangeEvent) PriorFingerprint() Fingerprint {
	if e.Prior == nil {
		return Fingerprint{}
	}
	en := e.Prior.Entry
	return Fingerprint{
		Checksum: en.Checksum,
		Size:     en.Size,
		Mode:     en.Mode,
		ModTime:  en.ModTime,
	}
}

// ChangeState is the lifecycle state of a PendingChange.
type ChangeState string

const (
	StatePending      ChangeState = "PENDING"
	StateConfirmed    ChangeState = "CONFIRMED"
	StateExpired      ChangeState = "EXPIRED"
	StateReverted     ChangeState = "REVERTED"
	StateRevertFailed ChangeState = "REVERT_FAILED"
)

// legalTransitions encodes the only state changes the engine may make.
var legalTransitions = map[ChangeState][]ChangeState{
	StatePending: {StateConfirmed, StateExpired},
	StateExpired: {StateReverted, StateRevertFailed},
}

// CanTransition reports whether moving from s to next is legal.
func (s ChangeState) CanTransition(next ChangeState) bool {
	for _, t := range legalTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s ChangeState) Terminal() bool {
	return len(legalTransitions[s]) == 0
}

// PendingChange tracks one unconfirmed configuration change from
// detection until it is confirmed, reverted, or given up on.
type PendingChange struct {
	ID          string      `json:"id"`
	Path        string      `json:"path"`
	Category    Category    `json:"category"`
	SnapshotID  string      `json:"snapshot_id"`
	State       ChangeState `json:"state"`
	CreatedAt   time.Time   `json:"created_at"`
	Deadline    time.Time   `json:"deadline"`
	ConfirmedAt time.Time   `json:"confirmed_at,omitempty"`
	ResolvedAt  time.Time   `json:"resolved_at,omitempty"`
	Attempts    int         `json:"attempts,omitempty"`
	LastError   string      `json:"last_error,omitempty"`
	Superseded  int         `json:"superseded,omitempty"`
}

// Validate ensures the change has the fields every consumer relies on.
func (p *PendingChange) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("pending change ID cannot be empty")
	}
	if p.Path == "" {
		return fmt.Errorf("pending change path cannot be empty")
	}
	if p.SnapshotID == "" && p.State == StatePending {
		return fmt.Errorf("pending change %s has no snapshot", p.ID)
	}
	if p.Deadline.IsZero() && p.State == StatePending {
		return fmt.Errorf("pending change %s has no deadline", p.ID)
	}
	return nil
}

// Remaining returns the time left until the deadline, zero if passed.
func (p *PendingChange) Remaining(now time.Time) time.Duration {
	if !now.Before(p.Deadline) {
		return 0
	}
	return p.Deadline.Sub(now)
}

// Resolved reports whether the change reached a terminal state.
func (p *PendingChange) Resolved() bool {
	return p.State.Terminal()
}
