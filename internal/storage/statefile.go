// Package storage persists orchestration state: the task state file that
// survives restarts and the log of completed resources used for
// duplicate suppression.
package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/kafuneri/Openlist-Ani/internal/core"
)

// StateFile stores the full table of in-flight tasks as one JSON
// document keyed by task id. Every save rewrites the whole snapshot
// atomically, so a crash leaves either the old or the new file, never a
// torn one.
type StateFile struct {
	path string
	log  *zap.Logger

	mu sync.Mutex
}

func NewStateFile(path string, logger *zap.Logger) *StateFile {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StateFile{path: path, log: logger}
}

// Save persists the non-terminal tasks. Terminal tasks are dropped: a
// restart has nothing left to do for them.
func (s *StateFile) Save(tasks map[string]*core.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := make(map[string]*core.Task, len(tasks))
	for id, task := range tasks {
		if task.State.Terminal() {
			continue
		}
		snapshot[id] = task
	}

	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: encode state: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("storage: create state dir: %w", err)
	}

	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("storage: open temp state file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: write state: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("storage: sync state: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: close state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("storage: replace state file: %w", err)
	}
	return nil
}

// Load reads the task table back. A missing file is an empty table. A
// record that fails to decode (for example an unknown state label) is
// logged and skipped without poisoning the rest.
func (s *StateFile) Load() (map[string]*core.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]*core.Task{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: read state file: %w", err)
	}

	var records map[string]json.RawMessage
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("storage: decode state file: %w", err)
	}

	tasks := make(map[string]*core.Task, len(records))
	for id, rec := range records {
		task := &core.Task{}
		if err := json.Unmarshal(rec, task); err != nil {
			s.log.Warn("skipping unreadable task record",
				zap.String("task_id", id),
				zap.Error(err),
			)
			continue
		}
		if task.Extra == nil {
			task.Extra = make(map[string]string)
		}
		tasks[id] = task
	}
	return tasks, nil
}
