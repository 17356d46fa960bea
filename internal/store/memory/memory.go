// Package memory is an in-process Store used by tests and single-node
// development runs.
package memory

import (
	"context"
	"sync"

	"github.com/DoyleJ11/team-progress-backend/internal/engine"
	"github.com/DoyleJ11/team-progress-backend/internal/store"
)

type entry struct {
	version int64
	state   engine.State
}

type Store struct {
	mu    sync.RWMutex
	teams map[string]entry
	fail  error
	saves int
}

func New() *Store {
	return &Store{teams: make(map[string]entry)}
}

// SetFailure makes every call return err until cleared with nil.
func (s *Store) SetFailure(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Saves counts successful writes.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *Store) Save(ctx context.Context, teamID string, state engine.State, version int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	if cur, ok := s.teams[teamID]; ok && cur.version > version {
		return store.ErrVersionConflict
	}
	state = state.Clone()
	state.Version = version
	s.teams[teamID] = entry{version: version, state: state}
	s.saves++
	return nil
}

func (s *Store) Load(ctx context.Context, teamID string) (engine.State, error) {
	if err := ctx.Err(); err != nil {
		return engine.State{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.fail != nil {
		return engine.State{}, s.fail
	}
	cur, ok := s.teams[teamID]
	if !ok {
		return engine.State{}, store.ErrNotFound
	}
	return cur.state.Clone(), nil
}
