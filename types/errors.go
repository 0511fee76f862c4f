package types

import (
	"errors"
	"fmt"
	"strings"
)

// CaptureError means the pre-change snapshot could not be taken. The
// change it should have protected goes through unprotected; the engine
// reports it loudly and keeps running.
type CaptureError struct {
	Path string
	Err  error
}

func (e *CaptureError) Error() string {
	return fmt.Sprintf("capture snapshot for %s: %v", e.Path, e.Err)
}

func (e *CaptureError) Unwrap() error { return e.Err }

// RestoreError means one restore attempt failed. Restored lists the
// paths already written back before the failure, so partial state is
// never silent. The engine retries up to its attempt limit before
// declaring the revert failed.
type RestoreError struct {
	SnapshotID string
	Attempt    int
	Restored   []string
	Err        error
}

func (e *RestoreError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "restore snapshot %s", e.SnapshotID)
	if e.Attempt > 0 {
		fmt.Fprintf(&b, " attempt %d", e.Attempt)
	}
	if len(e.Restored) > 0 {
		fmt.Fprintf(&b, ", %d paths already restored", len(e.Restored))
	}
	fmt.Fprintf(&b, ": %v", e.Err)
	return b.String()
}

func (e *RestoreError) Unwrap() error { return e.Err }

// NotPendingError is returned when a confirmation names a change that
// is not in PENDING state, including changes that never existed.
type NotPendingError struct {
	ChangeID string
	State    ChangeState
}

func (e *NotPendingError) Error() string {
	if e.State == "" {
		return fmt.Sprintf("change %s is not pending: unknown change", e.ChangeID)
	}
	return fmt.Sprintf("change %s is not pending: state is %s", e.ChangeID, e.State)
}

// SchedulerPersistError means a deadline could not be written to the
// store. Without a durable deadline no revert can be guaranteed, so the
// pending change it belongs to is abandoned.
type SchedulerPersistError struct {
	ChangeID string
	Err      error
}

func (e *SchedulerPersistError) Error() string {
	return fmt.Sprintf("persist deadline for change %s: %v", e.ChangeID, e.Err)
}

func (e *SchedulerPersistError) Unwrap() error { return e.Err }

// IsNotPending reports whether err is a NotPendingError.
func IsNotPending(err error) bool {
	var npe *NotPendingError
	return errors.As(err, &npe)
}
