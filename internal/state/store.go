// package state persists the engine's sync snapshot across restarts.
//
// Snapshots are written atomically: the new state is serialized to a
// temporary file in the same directory, fsynced, and renamed over the
// canonical path. A crash at any point leaves either the old or the new
// file intact, never a partial write.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/kidhasmoxy/audible-abs-sync/internal/models"
	"github.com/kidhasmoxy/audible-abs-sync/internal/shared"
)

// Store reads and writes the engine snapshot at a fixed path.
type Store struct {
	path    string
	enabled bool
	logger  *log.Logger
}

// NewStore creates a Store for the given path. When enabled is false,
// Persist becomes a no-op (used by dry-run smoke tests and the status CLI).
func NewStore(path string, enabled bool, logger *log.Logger) *Store {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Store{path: path, enabled: enabled, logger: logger.With("component", "state")}
}

// Path returns the canonical snapshot location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the snapshot from disk. A missing or corrupt file yields an
// empty state and is never fatal: the engine rebuilds its view from the
// providers on the next tick.
func (s *Store) Load() *models.SyncState {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.logger.Info("no state file found, starting fresh", "path", s.path)
		} else {
			s.logger.Error("failed to read state file, starting fresh", "path", s.path, "err", err)
		}
		return models.NewSyncState()
	}

	st := models.NewSyncState()
	if err := json.Unmarshal(data, st); err != nil {
		s.logger.Error("state file is corrupt, starting fresh", "path", s.path, "err", err)
		return models.NewSyncState()
	}
	return st
}

// Persist atomically writes the snapshot to disk.
func (s *Store) Persist(st *models.SyncState) error {
	if !s.enabled {
		return nil
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", shared.ErrStatePersist, err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("%w: create state directory: %v", shared.ErrStatePersist, err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("%w: create temp file: %v", shared.ErrStatePersist, err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: write temp file: %v", shared.ErrStatePersist, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("%w: fsync temp file: %v", shared.ErrStatePersist, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: close temp file: %v", shared.ErrStatePersist, err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("%w: rename into place: %v", shared.ErrStatePersist, err)
	}

	return nil
}
