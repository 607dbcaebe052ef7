package engine

import (
	"sync"

	"Jianghu-Annals/server/internal/models"
)

// StateStore owns the single shared mutable PlayerState. Pipeline stages
// receive immutable snapshots and return proposed deltas; only the merge
// engine commits.
type StateStore struct {
	mu    sync.RWMutex
	state *models.PlayerState
}

// NewStateStore wraps an initial state.
func NewStateStore(state *models.PlayerState) *StateStore {
	return &StateStore{state: state}
}

// Snapshot returns a deep copy safe to read and mutate freely.
func (s *StateStore) Snapshot() *models.PlayerState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Clone()
}

// Commit installs the next state as a single transaction.
func (s *StateStore) Commit(next *models.PlayerState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = next
}

// Mutate runs fn against the live state under the write lock. Reserved
// for the synchronizer's immediate command applications; everything else
// goes through Snapshot/Commit.
func (s *StateStore) Mutate(fn func(*models.PlayerState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(s.state)
}
