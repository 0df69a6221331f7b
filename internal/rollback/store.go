package rollback

import (
	"context"
	"sync"
)

// StateStore persists the manager snapshot. A missing snapshot loads as
// DefaultSnapshot with a nil error; an undecodable one loads as
// DefaultSnapshot with an error wrapping ErrCorruptSnapshot.
type StateStore interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snap Snapshot) error
}

// MemoryStore keeps the snapshot in memory. It is used in tests and when no
// durable store is configured.
type MemoryStore struct {
	mu      sync.Mutex
	snap    *Snapshot
	saves   int
	saveErr error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// NewMemoryStoreWith returns a store preloaded with snap.
func NewMemoryStoreWith(snap Snapshot) *MemoryStore {
	c := snap.Clone()
	return &MemoryStore{snap: &c}
}

// Load returns a copy of the stored snapshot.
func (s *MemoryStore) Load(_ context.Context) (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap == nil {
		return DefaultSnapshot(), nil
	}
	return s.snap.Clone(), nil
}

// Save stores a copy of snap.
func (s *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	c := snap.Clone()
	s.snap = &c
	s.saves++
	return nil
}

// Saves returns the number of successful saves.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

// FailSaves makes every later Save return err. Pass nil to stop failing.
func (s *MemoryStore) FailSaves(err error) {
	s.mu.Lock()
	s.saveErr = err
	s.mu.Unlock()
}
