// Package state holds the shared record through which a run advertises how
// many of its workers are still running. Writers serialise on an exclusive
// file lock; readers never lock and rely on writes being atomic renames.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/ilocn/prspec/internal/workspace"
)

// Record is the persisted shape of the shared state file.
type Record struct {
	RunningWorkerCount int    `json:"running_worker_count"`
	RunID              string `json:"run_id,omitempty"`
	SupervisorPID      int    `json:"supervisor_pid"`
	UpdatedAt          int64  `json:"updated_at"`
}

// Store publishes the running-worker count for one run.
type Store struct {
	// RunID is stamped into every published record.
	RunID string

	path string
	lock *flock.Flock

	mu    sync.Mutex
	count int
}

// Open returns a Store writing to path. Nothing touches the disk until the
// first Publish.
func Open(path string) *Store {
	return &Store{path: path, lock: flock.New(LockPath(path))}
}

// LockPath is the advisory lock file guarding path.
func LockPath(path string) string { return path + ".lock" }

// Path returns the record location.
func (s *Store) Path() string { return s.path }

// Publish records count in memory and replaces the on-disk record while
// holding the exclusive lock. Calls on one Store are serialised by mu, since
// the flock is reentrant for its owner. The in-memory value is updated even
// when the write fails so callers can carry on.
func (s *Store) Publish(count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.count = count

	data, err := json.Marshal(Record{
		RunningWorkerCount: count,
		RunID:              s.RunID,
		SupervisorPID:      os.Getpid(),
		UpdatedAt:          time.Now().Unix(),
	})
	if err != nil {
		return err
	}

	if err := s.lock.Lock(); err != nil {
		return fmt.Errorf("locking %s: %w", s.lock.Path(), err)
	}
	defer s.lock.Unlock() //nolint:errcheck

	if err := workspace.WriteFileAtomic(s.path, data); err != nil {
		return fmt.Errorf("writing state record: %w", err)
	}
	return nil
}

// Count returns the last published value.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Remove deletes the record and its lock file. Missing files are ignored.
func (s *Store) Remove() error {
	err := removeIfExists(s.path)
	if lerr := removeIfExists(LockPath(s.path)); err == nil {
		err = lerr
	}
	return err
}

// Read parses the record at path without locking.
func Read(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parse state record %s: %w", path, err)
	}
	return &r, nil
}

// ReadCount returns the running-worker count at path. A reader racing a
// writer sees either the previous or the next value, never a torn one.
func ReadCount(path string) (int, error) {
	r, err := Read(path)
	if err != nil {
		return 0, err
	}
	return r.RunningWorkerCount, nil
}

func removeIfExists(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
