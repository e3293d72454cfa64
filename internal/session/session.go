package session

import (
	"crypto/rand"
	"encoding/base32"
	"errors"
	"fmt"
	"time"

	"presence/internal/geo"
)

// State is a session's lifecycle position. Sessions are created Active;
// Expired and Closed are terminal.
type State string

const (
	// StatePending is reserved for scheduled sessions; the current
	// model creates sessions already active.
	StatePending State = "pending"
	StateActive  State = "active"
	StateExpired State = "expired"
	StateClosed  State = "closed"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrNotActive     = errors.New("session not active")
	ErrNotCreator    = errors.New("only the session creator may close it")
	ErrInvalidExpiry = errors.New("session expiry must be after creation")
)

// Session is one teacher-opened attendance window for a course meeting.
// Secret seeds the rotating code and never leaves the server.
type Session struct {
	ID                string
	CourseID          string
	CreatedBy         string
	Anchor            geo.Coordinate
	MaxDistanceMeters float64
	Secret            string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Active            bool
}

// State reports the lifecycle state at the given instant. Expiry is
// observed lazily: any read at or past ExpiresAt sees Expired no matter
// what the stored Active flag says, so a sweep and a lazy reader are
// indistinguishable from outside.
func (s *Session) State(now time.Time) State {
	if !now.Before(s.ExpiresAt) {
		return StateExpired
	}
	if !s.Active {
		return StateClosed
	}
	return StateActive
}

// AcceptingCheckIns reports whether check-in artifacts (nonces, codes,
// attempts) may be issued or evaluated against this session.
func (s *Session) AcceptingCheckIns(now time.Time) bool {
	return s.Active && now.Before(s.ExpiresAt)
}

// newSecret returns a random base32 seed, fixed per session at creation
// so past codes reveal nothing about future ones.
func newSecret() (string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("session secret: %w", err)
	}
	return base32.StdEncoding.WithPadding(base32.NoPadding).EncodeToString(raw), nil
}
