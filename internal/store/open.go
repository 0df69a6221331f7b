package store

import (
	"fmt"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cutover/internal/rollback"
)

// Backend names accepted by Open.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Open returns the StateStore for backend rooted at path, and a close
// function. For the file backend path is the snapshot file; for badger it is
// the database directory.
func Open(backend, path string, logger *zap.Logger) (rollback.StateStore, func() error, error) {
	noop := func() error { return nil }
	switch backend {
	case BackendFile, "":
		s, err := NewFileStore(path)
		if err != nil {
			return nil, nil, err
		}
		return s, noop, nil
	case BackendBadger:
		s, err := OpenBadger(BadgerConfig{Path: filepath.Clean(path), SyncWrites: true, Logger: logger})
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	case BackendMemory:
		return rollback.NewMemoryStore(), noop, nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", backend)
	}
}
