// Package nonce implements the single-use check-in tokens that bind one
// check-in attempt to one requester. Consume is the protocol's one
// serializing point: of N concurrent consumes of the same nonce exactly
// one succeeds.
package nonce

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"presence/internal/session"
)

var (
	ErrNotFound          = errors.New("nonce not found")
	ErrAlreadyUsed       = errors.New("nonce already used")
	ErrExpired           = errors.New("nonce expired")
	ErrSessionMismatch   = errors.New("nonce issued for a different session")
	ErrRequesterMismatch = errors.New("nonce issued to a different requester")
)

// DefaultTTL bounds how long an unconsumed nonce stays valid. It must
// not exceed the code rotation window, so an overheard begin-request
// never outlives a code.
const DefaultTTL = 20 * time.Second

// Nonce is a server-issued, single-use check-in token.
type Nonce struct {
	ID        string
	SessionID string
	StudentID string
	IssuedAt  time.Time
	ExpiresAt time.Time
	consumed  bool
}

// Ledger issues and consumes nonces in memory. All state is guarded by
// a single mutex; consume flips the consumed flag under it, which is
// the compare-and-set the no-double-counting property rests on.
type Ledger struct {
	ttl time.Duration
	now func() time.Time

	mu     sync.Mutex
	byID   map[string]*Nonce
	latest map[pairKey]string
}

type pairKey struct {
	sessionID string
	studentID string
}

func NewLedger(ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Ledger{
		ttl:    ttl,
		now:    time.Now,
		byID:   make(map[string]*Nonce),
		latest: make(map[pairKey]string),
	}
}

// WithClock overrides the ledger's time source; tests use it to drive
// issuance and expiry deterministically.
func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	l.now = now
	return l
}

// Issue creates a fresh nonce for (session, student). Any unconsumed
// nonce previously issued to the same pair is invalidated, so retried
// begin-requests do not accumulate live tokens.
func (l *Ledger) Issue(sess *session.Session, studentID string) (Nonce, error) {
	now := l.now().UTC()
	if !sess.AcceptingCheckIns(now) {
		return Nonce{}, session.ErrNotActive
	}

	n := &Nonce{
		ID:        uuid.NewString(),
		SessionID: sess.ID,
		StudentID: studentID,
		IssuedAt:  now,
		ExpiresAt: now.Add(l.ttl),
	}

	key := pairKey{sessionID: sess.ID, studentID: studentID}
	l.mu.Lock()
	if prev, ok := l.latest[key]; ok {
		delete(l.byID, prev)
	}
	l.byID[n.ID] = n
	l.latest[key] = n.ID
	l.mu.Unlock()
	return *n, nil
}

// Consume spends the nonce. Mismatched session or requester is rejected
// before the used check so a stolen nonce never burns the owner's.
func (l *Ledger) Consume(id, sessionID, studentID string) error {
	now := l.now().UTC()

	l.mu.Lock()
	defer l.mu.Unlock()
	n, ok := l.byID[id]
	if !ok {
		return ErrNotFound
	}
	if n.SessionID != sessionID {
		return ErrSessionMismatch
	}
	if n.StudentID != studentID {
		return ErrRequesterMismatch
	}
	if n.consumed {
		return ErrAlreadyUsed
	}
	if now.After(n.ExpiresAt) {
		return ErrExpired
	}
	n.consumed = true
	return nil
}

// Purge drops nonces whose expiry is past the retention horizon. Called
// periodically; consumed nonces are kept until the horizon so a late
// replay still reads ErrAlreadyUsed rather than ErrNotFound.
func (l *Ledger) Purge(retention time.Duration) int {
	cutoff := l.now().UTC().Add(-retention)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for id, n := range l.byID {
		if n.ExpiresAt.Before(cutoff) {
			delete(l.byID, id)
			key := pairKey{sessionID: n.SessionID, studentID: n.StudentID}
			if l.latest[key] == id {
				delete(l.latest, key)
			}
			removed++
		}
	}
	return removed
}
