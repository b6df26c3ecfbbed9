package gamesync

import (
	"sync"

	"github.com/nightvote/gamesync/internal/game"
)

// Store caches the last-known authoritative snapshot per session.
//
// Push and poll results racing for the same session both pass through
// Apply, so the version check always sees a consistent "current cached"
// value: the store mutex is the per-session sequence point.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*game.Snapshot
}

// NewStore creates an empty snapshot store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*game.Snapshot),
	}
}

// Get returns the cached snapshot for a session, or nil before the
// first accepted update.
func (s *Store) Get(sessionID string) *game.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[sessionID]
}

// Apply reconciles a candidate against the cache under the store lock
// and writes the result back. Outcome.First is set exactly once per
// session: on the first accepted snapshot after a fresh subscription.
func (s *Store) Apply(sessionID string, candidate *game.Snapshot) Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	cached := s.sessions[sessionID]
	outcome := Reconcile(cached, candidate)
	if outcome.Applied {
		outcome.First = cached == nil
		s.sessions[sessionID] = outcome.Snapshot
	}
	return outcome
}

// Drop discards the cached snapshot for a session. Called when the
// consumer unsubscribes; safe on an unknown session.
func (s *Store) Drop(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}
