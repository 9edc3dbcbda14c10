package orchestrator

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cuemby/converge/pkg/types"
)

// SnapshotStore persists the runtime snapshot between cycles.
// storage.Store satisfies it through its runtime bucket.
type SnapshotStore interface {
	LoadSnapshot() (*types.RuntimeSnapshot, error)
	SaveSnapshot(s *types.RuntimeSnapshot) error
}

// FileSnapshotStore keeps the snapshot in one JSON file
type FileSnapshotStore struct {
	path string
}

// NewFileSnapshotStore creates a store writing to path
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// Path returns the snapshot file location
func (s *FileSnapshotStore) Path() string {
	return s.path
}

// LoadSnapshot reads the snapshot. A missing file is an empty snapshot.
func (s *FileSnapshotStore) LoadSnapshot() (*types.RuntimeSnapshot, error) {
	snap := types.NewRuntimeSnapshot()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot %s: %w", s.path, err)
	}
	snap.Normalize()
	return snap, nil
}

// SaveSnapshot writes the snapshot to a temporary file and renames it over
// the previous one
func (s *FileSnapshotStore) SaveSnapshot(snap *types.RuntimeSnapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}
