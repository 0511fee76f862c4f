// Package storage persists pending changes and their deadlines in a
// single bbolt database, with an in-memory path index enforcing the
// one-unresolved-change-per-path rule.
package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/revertd/revertd/types"
	"go.etcd.io/bbolt"
)

// Bucket names in bbolt
var (
	bucketChanges   = []byte("changes")
	bucketDeadlines = []byte("deadlines")
	bucketMeta      = []byte("meta")
)

const schemaVersion = "1"

// DeadlineRecord is the persisted form of a scheduled expiry. Delivered
// flips once the expiry has been handed to the engine, so a crash after
// firing re-delivers on restart and handled expiries never fire twice.
type DeadlineRecord struct {
	ChangeID  string    `json:"change_id"`
	FireAt    time.Time `json:"fire_at"`
	Delivered bool      `json:"delivered"`
}

// Store is the bbolt-backed state store.
type Store struct {
	mu sync.RWMutex

	db *bbolt.DB

	// byPath maps watched paths to their unresolved change ID
	byPath map[string]string

	dir string
}

// Open creates or opens the state database under dir and rebuilds the
// path index from persisted changes.
func Open(dir string) (*Store, error) {
	dbPath := filepath.Join(dir, "state.db")

	// The timeout keeps CLI fallbacks from hanging on the flock while
	// a daemon holds the database.
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open state database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, bucket := range [][]byte{bucketChanges, bucketDeadlines, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketMeta).Put([]byte("schema_version"), []byte(schemaVersion))
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &Store{
		db:     db,
		byPath: make(map[string]string),
		dir:    dir,
	}

	if err := s.rebuildIndex(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the store
func (s *Store) Close() error {
	return s.db.Close()
}

// PutChange persists a change record and keeps the path index in step
// with its state.
func (s *Store) PutChange(change *types.PendingChange) error {
	if err := change.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putChangeTx(tx, change)
	})
	if err != nil {
		return fmt.Errorf("persist change %s: %w", change.ID, err)
	}

	s.updateIndex(change)
	return nil
}

// PutChangeWithDeadline writes the change record and its deadline in
// one transaction, so no pending change can exist without a durable
// expiry and vice versa.
func (s *Store) PutChangeWithDeadline(change *types.PendingChange, fireAt time.Time) error {
	if err := change.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putChangeTx(tx, change); err != nil {
			return err
		}
		return putDeadlineTx(tx, DeadlineRecord{ChangeID: change.ID, FireAt: fireAt})
	})
	if err != nil {
		return fmt.Errorf("persist change %s with deadline: %w", change.ID, err)
	}

	s.updateIndex(change)
	return nil
}

// PutChangeClearDeadline writes a change whose deadline is finished
// with, confirmed or expired, and drops the deadline record in the same
// transaction, so the change can never be revived by a stale deadline
// after restart.
func (s *Store) PutChangeClearDeadline(change *types.PendingChange) error {
	if err := change.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putChangeTx(tx, change); err != nil {
			return err
		}
		return tx.Bucket(bucketDeadlines).Delete([]byte(change.ID))
	})
	if err != nil {
		return fmt.Errorf("persist change %s clearing deadline: %w", change.ID, err)
	}

	s.updateIndex(change)
	return nil
}

// GetChange returns the change with the given ID.
func (s *Store) GetChange(id string) (*types.PendingChange, error) {
	var change *types.PendingChange

	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketChanges).Get([]byte(id))
		if data == nil {
			return nil
		}
		change = &types.PendingChange{}
		return json.Unmarshal(data, change)
	})
	if err != nil {
		return nil, fmt.Errorf("load change %s: %w", id, err)
	}
	if change == nil {
		return nil, fmt.Errorf("change %s not found", id)
	}
	return change, nil
}

// UnresolvedByPath returns the unresolved change covering path, if any.
func (s *Store) UnresolvedByPath(path string) (*types.PendingChange, bool) {
	s.mu.RLock()
	id, ok := s.byPath[path]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}

	change, err := s.GetChange(id)
	if err != nil {
		return nil, false
	}
	return change, true
}

// ListChanges returns all changes, optionally filtered to the given
// states, ordered by creation time.
func (s *Store) ListChanges(states ...types.ChangeState) ([]types.PendingChange, error) {
	var changes []types.PendingChange

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketChanges).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var change types.PendingChange
			if err := json.Unmarshal(v, &change); err != nil {
				return fmt.Errorf("decode change %s: %w", k, err)
			}
			if len(states) > 0 && !hasState(states, change.State) {
				continue
			}
			changes = append(changes, change)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(changes, func(i, j int) bool {
		return changes[i].CreatedAt.Before(changes[j].CreatedAt)
	})
	return changes, nil
}

// DeleteChange removes a change record and its deadline.
func (s *Store) DeleteChange(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var path string
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketChanges)
		if data := bucket.Get([]byte(id)); data != nil {
			var change types.PendingChange
			if err := json.Unmarshal(data, &change); err == nil {
				path = change.Path
			}
		}
		if err := bucket.Delete([]byte(id)); err != nil {
			return err
		}
		return tx.Bucket(bucketDeadlines).Delete([]byte(id))
	})
	if err != nil {
		return fmt.Errorf("delete change %s: %w", id, err)
	}

	if path != "" && s.byPath[path] == id {
		delete(s.byPath, path)
	}
	return nil
}

// PutDeadline persists one deadline record.
func (s *Store) PutDeadline(rec DeadlineRecord) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return putDeadlineTx(tx, rec)
	})
	if err != nil {
		return fmt.Errorf("persist deadline for %s: %w", rec.ChangeID, err)
	}
	return nil
}

// DeleteDeadline removes a deadline. Unknown IDs are a no-op.
func (s *Store) DeleteDeadline(changeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketDeadlines).Delete([]byte(changeID))
	})
}

// MarkDelivered flags a deadline as handed to the engine.
func (s *Store) MarkDelivered(changeID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketDeadlines)
		data := bucket.Get([]byte(changeID))
		if data == nil {
			return nil
		}
		var rec DeadlineRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.Delivered = true
		return putDeadlineTx(tx, rec)
	})
}

// ListDeadlines returns all persisted deadlines, soonest first.
func (s *Store) ListDeadlines() ([]DeadlineRecord, error) {
	var recs []DeadlineRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketDeadlines).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var rec DeadlineRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode deadline %s: %w", k, err)
			}
			recs = append(recs, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(recs, func(i, j int) bool {
		return recs[i].FireAt.Before(recs[j].FireAt)
	})
	return recs, nil
}

// Helper functions

func putChangeTx(tx *bbolt.Tx, change *types.PendingChange) error {
	value, err := json.Marshal(change)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketChanges).Put([]byte(change.ID), value)
}

func putDeadlineTx(tx *bbolt.Tx, rec DeadlineRecord) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDeadlines).Put([]byte(rec.ChangeID), value)
}

// updateIndex keeps byPath pointing at the unresolved change per path.
// Callers hold s.mu.
func (s *Store) updateIndex(change *types.PendingChange) {
	if change.Resolved() {
		if s.byPath[change.Path] == change.ID {
			delete(s.byPath, change.Path)
		}
		return
	}
	s.byPath[change.Path] = change.ID
}

// rebuildIndex scans persisted changes and restores the path index.
func (s *Store) rebuildIndex() error {
	changes, err := s.ListChanges()
	if err != nil {
		return fmt.Errorf("rebuild path index: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range changes {
		change := &changes[i]
		if !change.Resolved() {
			s.byPath[change.Path] = change.ID
		}
	}
	return nil
}

func hasState(states []types.ChangeState, state types.ChangeState) bool {
	for _, s := range states {
		if s == state {
			return true
		}
	}
	return false
}
