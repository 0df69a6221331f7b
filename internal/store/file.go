package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/fyrsmithlabs/cutover/internal/rollback"
)

// FileStore persists the rollback snapshot as a single JSON document.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore returns a store writing to path. The parent directory is
// created with 0700 permissions.
func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("snapshot path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	return &FileStore{path: path}, nil
}

// Path returns the snapshot file path.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the snapshot. A missing file is the default snapshot.
func (s *FileStore) Load(_ context.Context) (rollback.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return rollback.DefaultSnapshot(), nil
	}
	if err != nil {
		return rollback.Snapshot{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return decode(data)
}

// Save writes the snapshot atomically through a temp file and rename.
func (s *FileStore) Save(_ context.Context, snap rollback.Snapshot) error {
	data, err := encode(snap)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

func encode(snap rollback.Snapshot) ([]byte, error) {
	if snap.RollbackHistory == nil {
		snap.RollbackHistory = []rollback.Record{}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal snapshot: %w", err)
	}
	return data, nil
}

// decode parses a snapshot. Undecodable data or an unknown state returns the
// default snapshot and an error wrapping rollback.ErrCorruptSnapshot.
func decode(data []byte) (rollback.Snapshot, error) {
	var snap rollback.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return rollback.DefaultSnapshot(), fmt.Errorf("%w: %v", rollback.ErrCorruptSnapshot, err)
	}
	if !snap.CurrentState.Valid() {
		return rollback.DefaultSnapshot(), fmt.Errorf("%w: unknown state %q", rollback.ErrCorruptSnapshot, snap.CurrentState)
	}
	if snap.RollbackHistory == nil {
		snap.RollbackHistory = []rollback.Record{}
	}
	return snap, nil
}
