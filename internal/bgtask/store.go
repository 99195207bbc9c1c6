package bgtask

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"taskforge/internal/logging"
)

// Store is the Checkpoint Store contract: durable per-task documents with
// atomic writes and crash-safe reads.
type Store interface {
	// ReadTask returns the current document for id, or nil if it does not
	// exist or the file on disk fails to parse (a corrupt checkpoint is
	// treated as absent, never as a fatal error).
	ReadTask(id string) (*Task, error)

	// WriteTask persists task atomically: write to a temp file in the same
	// directory, then rename over the target.
	WriteTask(task *Task) error

	// ListTaskIDs returns every task id currently checkpointed.
	ListTaskIDs() ([]string, error)

	// RemoveTask deletes a task's checkpoint and log file. Missing files
	// are not an error.
	RemoveTask(id string) error

	// Dir returns the runtime directory the store is rooted at, so the
	// worker-process launcher can point child processes at it.
	Dir() string
}

// FileStore is the filesystem-backed Store: one JSON document per task at
// <dir>/<id>.json, one append-only log at <dir>/<id>.log.
type FileStore struct {
	dir string
}

// NewFileStore creates the runtime directory if needed and returns a store
// rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("bgtask: create runtime dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) taskPath(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// LogPath returns the per-task append-only log file path.
func (s *FileStore) LogPath(id string) string {
	return filepath.Join(s.dir, id+".log")
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) ReadTask(id string) (*Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("bgtask: read %s: %w", id, err)
	}

	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		logging.CheckpointWarn("discarding unparseable checkpoint for %s: %v", id, err)
		return nil, nil
	}
	return &t, nil
}

func (s *FileStore) WriteTask(task *Task) error {
	data, err := json.MarshalIndent(task, "", "  ")
	if err != nil {
		return fmt.Errorf("bgtask: marshal %s: %w", task.ID, err)
	}

	tmp, err := os.CreateTemp(s.dir, task.ID+".json.tmp-*")
	if err != nil {
		return fmt.Errorf("bgtask: create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("bgtask: write temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bgtask: close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, s.taskPath(task.ID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("bgtask: rename checkpoint into place: %w", err)
	}
	return nil
}

func (s *FileStore) ListTaskIDs() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("bgtask: list runtime dir: %w", err)
	}

	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func (s *FileStore) RemoveTask(id string) error {
	if err := os.Remove(s.taskPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bgtask: remove checkpoint %s: %w", id, err)
	}
	if err := os.Remove(s.LogPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("bgtask: remove log %s: %w", id, err)
	}
	return nil
}

// newTaskID mints a short, collision-resistant task id.
func newTaskID() string {
	return "bg_" + strings.ReplaceAll(uuid.New().String(), "-", "")[:12]
}

// newResumeToken mints an opaque nonce rotated on every launch/retry, so a
// worker that resumes a checkpoint can tell whether it is picking up the
// attempt it started or a stale one.
func newResumeToken() string {
	return "rt_" + strings.ReplaceAll(uuid.New().String(), "-", "")
}
