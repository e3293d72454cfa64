package session

import (
	"context"
	"sync"
	"time"
)

// Store persists sessions. Close and ExpireBefore must uphold the
// one-way Active transition even under concurrent callers.
type Store interface {
	Insert(ctx context.Context, sess *Session) error
	Get(ctx context.Context, id string) (*Session, error)
	// Close flips Active to false. It reports false when the session
	// was already inactive.
	Close(ctx context.Context, id string) (bool, error)
	// ExpireBefore deactivates every active session whose expiry is at
	// or before now and returns the flipped sessions.
	ExpireBefore(ctx context.Context, now time.Time) ([]*Session, error)
}

// MemoryStore keeps sessions in a mutex-guarded map. Used for tests and
// single-process deployments.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Insert(_ context.Context, sess *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sess
	m.sessions[sess.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sess
	return &cp, nil
}

func (m *MemoryStore) Close(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return false, ErrNotFound
	}
	if !sess.Active {
		return false, nil
	}
	sess.Active = false
	return true, nil
}

func (m *MemoryStore) ExpireBefore(_ context.Context, now time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var flipped []*Session
	for _, sess := range m.sessions {
		if sess.Active && !sess.ExpiresAt.After(now) {
			sess.Active = false
			cp := *sess
			flipped = append(flipped, &cp)
		}
	}
	return flipped, nil
}
