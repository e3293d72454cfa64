package device

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// MemoryStore keeps bindings in a map; the single map write per Replace
// is what makes the swap atomic.
type MemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[string]Credential)}
}

func (m *MemoryStore) Replace(_ context.Context, cred Credential) error {
	m.mu.Lock()
	m.creds[cred.StudentID] = cred
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Active(_ context.Context, studentID string) (*Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cred, ok := m.creds[studentID]
	if !ok {
		return nil, nil
	}
	return &cred, nil
}

// PostgresStore persists bindings. Replace retires the old row and
// inserts the new one in a single transaction; a partial unique index
// on (student_id) WHERE active backs the one-active-reference invariant.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Replace(ctx context.Context, cred Credential) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		UPDATE device_credentials SET active = FALSE, retired_at = NOW()
		WHERE student_id = $1 AND active
	`, cred.StudentID); err != nil {
		return fmt.Errorf("retire credential: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO device_credentials (reference, student_id, bound_at, active)
		VALUES ($1, $2, $3, TRUE)
	`, cred.Reference, cred.StudentID, cred.BoundAt); err != nil {
		return fmt.Errorf("bind credential: %w", err)
	}
	return tx.Commit()
}

func (p *PostgresStore) Active(ctx context.Context, studentID string) (*Credential, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT reference, student_id, bound_at
		FROM device_credentials
		WHERE student_id = $1 AND active
	`, studentID)
	var cred Credential
	if err := row.Scan(&cred.Reference, &cred.StudentID, &cred.BoundAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &cred, nil
}
