package checkin

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// Status is the terminal business outcome of an evaluation. These are
// outcomes, not errors: all four return success to the caller.
type Status string

const (
	StatusPresent          Status = "present"
	StatusOutOfRange       Status = "out_of_range"
	StatusAlreadyCheckedIn Status = "already_checked_in"
	StatusExpired          Status = "expired"
)

// ErrDuplicatePresent is returned by stores when a second Present row
// for the same (session, student) would be written. The evaluator
// checks first; the store constraint is the backstop under races.
var ErrDuplicatePresent = errors.New("student already marked present for session")

// Attempt is the immutable audit record of one evaluation that reached
// an outcome. Rows are append-only.
type Attempt struct {
	ID             string
	SessionID      string
	StudentID      string
	Code           string
	NonceID        string
	Lat            float64
	Lng            float64
	DistanceMeters float64
	Status         Status
	CreatedAt      time.Time
}

// AttemptStore persists the audit trail. Insert must reject a second
// Present row per (session, student).
type AttemptStore interface {
	Insert(ctx context.Context, att Attempt) error
	// Present returns the student's Present attempt for the session,
	// or nil when none exists.
	Present(ctx context.Context, sessionID, studentID string) (*Attempt, error)
	ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Attempt, error)
}

// MemoryAttemptStore is the in-memory audit trail for tests and
// single-process deployments.
type MemoryAttemptStore struct {
	mu       sync.Mutex
	attempts []Attempt
	present  map[presentKey]int
}

type presentKey struct {
	sessionID string
	studentID string
}

func NewMemoryAttemptStore() *MemoryAttemptStore {
	return &MemoryAttemptStore{present: make(map[presentKey]int)}
}

func (m *MemoryAttemptStore) Insert(_ context.Context, att Attempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := presentKey{sessionID: att.SessionID, studentID: att.StudentID}
	if att.Status == StatusPresent {
		if _, ok := m.present[key]; ok {
			return ErrDuplicatePresent
		}
		m.present[key] = len(m.attempts)
	}
	m.attempts = append(m.attempts, att)
	return nil
}

func (m *MemoryAttemptStore) Present(_ context.Context, sessionID, studentID string) (*Attempt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.present[presentKey{sessionID: sessionID, studentID: studentID}]
	if !ok {
		return nil, nil
	}
	att := m.attempts[idx]
	return &att, nil
}

func (m *MemoryAttemptStore) ListBySession(_ context.Context, sessionID string, limit, offset int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var res []Attempt
	skipped := 0
	// Newest first, matching the Postgres ordering.
	for i := len(m.attempts) - 1; i >= 0 && len(res) < limit; i-- {
		if m.attempts[i].SessionID != sessionID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		res = append(res, m.attempts[i])
	}
	return res, nil
}

// PostgresAttemptStore writes the audit trail to Postgres. A partial
// unique index on (session_id, student_id) WHERE status = 'present'
// enforces the single-Present invariant across processes.
type PostgresAttemptStore struct {
	db *sql.DB
}

func NewPostgresAttemptStore(db *sql.DB) *PostgresAttemptStore {
	return &PostgresAttemptStore{db: db}
}

func (p *PostgresAttemptStore) Insert(ctx context.Context, att Attempt) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO check_in_attempts (id, session_id, student_id, code, nonce_id, lat, lng, distance_m, status, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, att.ID, att.SessionID, att.StudentID, att.Code, att.NonceID,
		att.Lat, att.Lng, att.DistanceMeters, string(att.Status), att.CreatedAt)
	if err != nil && isUniqueViolation(err) {
		return ErrDuplicatePresent
	}
	return err
}

func (p *PostgresAttemptStore) Present(ctx context.Context, sessionID, studentID string) (*Attempt, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, session_id, student_id, code, nonce_id, lat, lng, distance_m, status, created_at
		FROM check_in_attempts
		WHERE session_id = $1 AND student_id = $2 AND status = 'present'
	`, sessionID, studentID)
	att, err := scanAttempt(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &att, nil
}

func (p *PostgresAttemptStore) ListBySession(ctx context.Context, sessionID string, limit, offset int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, session_id, student_id, code, nonce_id, lat, lng, distance_m, status, created_at
		FROM check_in_attempts
		WHERE session_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, sessionID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []Attempt
	for rows.Next() {
		att, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, att)
	}
	return res, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAttempt(row rowScanner) (Attempt, error) {
	var att Attempt
	var status string
	err := row.Scan(&att.ID, &att.SessionID, &att.StudentID, &att.Code, &att.NonceID,
		&att.Lat, &att.Lng, &att.DistanceMeters, &status, &att.CreatedAt)
	att.Status = Status(status)
	return att, err
}

// isUniqueViolation matches Postgres error code 23505 without pulling
// the driver's error type into every caller.
func isUniqueViolation(err error) bool {
	type coder interface{ SQLState() string }
	var c coder
	return errors.As(err, &c) && c.SQLState() == "23505"
}
