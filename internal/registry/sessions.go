package registry

import (
	"context"
	"errors"
	"sync"
)

// ErrUnknownSession is returned for operations on a session that was never
// created (or has been closed).
var ErrUnknownSession = errors.New("registry: unknown session")

// Persister is the durable backing used by Sessions. *SQLiteStore implements
// it.
type Persister interface {
	Put(ctx context.Context, sessionID, key, value string) error
	Remove(ctx context.Context, sessionID, key string) error
	RemoveSession(ctx context.Context, sessionID string) error
	Load(ctx context.Context) (map[string]map[string]string, error)
}

// Sessions maps console session IDs to their own Memory store. Reads are
// always served from memory; writes go to the Persister first (when one is
// configured) and then to memory, so memory never holds a value that failed
// to persist.
type Sessions struct {
	mu       sync.RWMutex
	sessions map[string]*Memory
	persist  Persister
}

// NewSessions returns an empty session table. persist may be nil, in which
// case selections live only as long as the process.
func NewSessions(persist Persister) *Sessions {
	return &Sessions{
		sessions: make(map[string]*Memory),
		persist:  persist,
	}
}

// Restore loads every persisted session into memory. It is a no-op without a
// Persister.
func (s *Sessions) Restore(ctx context.Context) (int, error) {
	if s.persist == nil {
		return 0, nil
	}
	stored, err := s.persist.Load(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, values := range stored {
		m := s.sessions[id]
		if m == nil {
			m = NewMemory()
			s.sessions[id] = m
		}
		for k, v := range values {
			m.Set(k, v)
		}
	}
	return len(stored), nil
}

// Create registers an empty session. Creating an existing session is a no-op.
func (s *Sessions) Create(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		s.sessions[id] = NewMemory()
	}
}

// Exists reports whether id is a known session.
func (s *Sessions) Exists(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.sessions[id]
	return ok
}

// Registry returns the store for session id.
func (s *Sessions) Registry(id string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.sessions[id]
	if !ok {
		return nil, ErrUnknownSession
	}
	return m, nil
}

// Set writes key=value for session id.
func (s *Sessions) Set(ctx context.Context, id, key, value string) error {
	m, err := s.Registry(id)
	if err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.Put(ctx, id, key, value); err != nil {
			return err
		}
	}
	m.Set(key, value)
	return nil
}

// Delete removes key from session id.
func (s *Sessions) Delete(ctx context.Context, id, key string) error {
	m, err := s.Registry(id)
	if err != nil {
		return err
	}
	if s.persist != nil {
		if err := s.persist.Remove(ctx, id, key); err != nil {
			return err
		}
	}
	m.Delete(key)
	return nil
}

// Close forgets session id and its persisted values.
func (s *Sessions) Close(ctx context.Context, id string) error {
	if s.persist != nil {
		if err := s.persist.RemoveSession(ctx, id); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// IDs returns the IDs of all known sessions in no particular order.
func (s *Sessions) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids
}
