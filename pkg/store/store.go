// Package store persists the download task ledger.
//
// Every task is kept in a single JSON file. Mutations rewrite the file in
// full through a temp-file rename, and only after the durable write
// succeeds is the in-memory cache updated, so a crash mid-write leaves the
// previous ledger intact for the next load.
package store

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"dlm/pkg/dlerr"
	"dlm/pkg/task"
)

// Store is the persistence contract the manager depends on.
type Store interface {
	SaveTask(t *task.Task) error
	LoadTasks() []*task.Task
	UpdateTask(t *task.Task) error
	RemoveTask(id string) error
	ClearAll() error
	Close() error
}

// FileStore implements Store on a single JSON ledger file guarded by a
// cross-process PID lock.
type FileStore struct {
	path   string
	unlock func() error

	mu    sync.RWMutex
	cache map[string]*task.Task
}

var _ Store = (*FileStore)(nil)

// Open loads the ledger at path, acquiring its lock file. A missing or
// corrupt ledger is treated as empty state rather than an error.
func Open(path string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &dlerr.StorageError{Op: "open", Err: err}
	}
	unlock, err := lockLedger(path)
	if err != nil {
		return nil, &dlerr.StorageError{Op: "lock", Err: err}
	}

	s := &FileStore{
		path:   path,
		unlock: unlock,
		cache:  make(map[string]*task.Task),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Task ledger unreadable, starting empty", "path", path, "error", err)
		}
		return s, nil
	}
	var tasks map[string]*task.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		slog.Warn("Task ledger corrupt, starting empty", "path", path, "error", err)
		return s, nil
	}
	s.cache = tasks
	return s, nil
}

// SaveTask persists a new task record.
func (s *FileStore) SaveTask(t *task.Task) error {
	return s.put(t, "save")
}

// UpdateTask persists the current state of an existing task.
func (s *FileStore) UpdateTask(t *task.Task) error {
	return s.put(t, "update")
}

func (s *FileStore) put(t *task.Task, op string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.copyCache()
	next[t.ID] = t.Clone()
	if err := s.write(next); err != nil {
		return &dlerr.StorageError{Op: op, Err: err}
	}
	s.cache = next
	return nil
}

// RemoveTask deletes the record for id. Removing an unknown id is a no-op.
func (s *FileStore) RemoveTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.cache[id]; !ok {
		return nil
	}
	next := s.copyCache()
	delete(next, id)
	if err := s.write(next); err != nil {
		return &dlerr.StorageError{Op: "remove", Err: err}
	}
	s.cache = next
	return nil
}

// ClearAll deletes every record.
func (s *FileStore) ClearAll() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := make(map[string]*task.Task)
	if err := s.write(next); err != nil {
		return &dlerr.StorageError{Op: "clear", Err: err}
	}
	s.cache = next
	return nil
}

// LoadTasks returns copies of every persisted task, oldest first.
func (s *FileStore) LoadTasks() []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*task.Task, 0, len(s.cache))
	for _, t := range s.cache {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Close releases the ledger lock.
func (s *FileStore) Close() error {
	return s.unlock()
}

func (s *FileStore) copyCache() map[string]*task.Task {
	next := make(map[string]*task.Task, len(s.cache))
	for id, t := range s.cache {
		next[id] = t
	}
	return next
}

// write rewrites the ledger atomically via temp file and rename.
func (s *FileStore) write(tasks map[string]*task.Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}
