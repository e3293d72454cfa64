package session

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresStore persists sessions in Postgres. The one-way Active
// transition is enforced with conditional updates so it holds across
// processes.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Insert(ctx context.Context, sess *Session) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO sessions (id, course_id, created_by, anchor_lat, anchor_lng, max_distance_m, secret, created_at, expires_at, active)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, sess.ID, sess.CourseID, sess.CreatedBy, sess.Anchor.Lat, sess.Anchor.Lng,
		sess.MaxDistanceMeters, sess.Secret, sess.CreatedAt, sess.ExpiresAt, sess.Active)
	return err
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Session, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT id, course_id, created_by, anchor_lat, anchor_lng, max_distance_m, secret, created_at, expires_at, active
		FROM sessions WHERE id = $1
	`, id)
	var sess Session
	err := row.Scan(&sess.ID, &sess.CourseID, &sess.CreatedBy, &sess.Anchor.Lat, &sess.Anchor.Lng,
		&sess.MaxDistanceMeters, &sess.Secret, &sess.CreatedAt, &sess.ExpiresAt, &sess.Active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &sess, nil
}

func (p *PostgresStore) Close(ctx context.Context, id string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE sessions SET active = FALSE WHERE id = $1 AND active
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		// Distinguish missing from already-inactive.
		if _, gerr := p.Get(ctx, id); gerr != nil {
			return false, gerr
		}
		return false, nil
	}
	return true, nil
}

func (p *PostgresStore) ExpireBefore(ctx context.Context, now time.Time) ([]*Session, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE sessions SET active = FALSE
		WHERE active AND expires_at <= $1
		RETURNING id, course_id, created_by, anchor_lat, anchor_lng, max_distance_m, secret, created_at, expires_at, active
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var flipped []*Session
	for rows.Next() {
		var sess Session
		if err := rows.Scan(&sess.ID, &sess.CourseID, &sess.CreatedBy, &sess.Anchor.Lat, &sess.Anchor.Lng,
			&sess.MaxDistanceMeters, &sess.Secret, &sess.CreatedAt, &sess.ExpiresAt, &sess.Active); err != nil {
			return nil, err
		}
		flipped = append(flipped, &sess)
	}
	return flipped, rows.Err()
}
