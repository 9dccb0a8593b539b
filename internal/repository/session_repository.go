package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/khalloda/spare-parts-system/internal/metrics"
)

// Session repository errors
var (
	ErrSessionNotFound = errors.New("session not found")
)

// SessionRepository defines the interface for persisted browser sessions
type SessionRepository interface {
	Get(ctx context.Context, id string) (*SessionRecord, error)
	Save(ctx context.Context, rec *SessionRecord, previousID string) error
	Delete(ctx context.Context, id string) error
	CleanupExpiredSessions(ctx context.Context) (int64, error)
}

// sessionRepository implements SessionRepository using PostgreSQL through sqlx
type sessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository creates a new SessionRepository instance
func NewSessionRepository(db *sqlx.DB) SessionRepository {
	return &sessionRepository{db: db}
}

// Get returns a live (not yet expired) session record
func (r *sessionRepository) Get(ctx context.Context, id string) (*SessionRecord, error) {
	defer metrics.TimeQuery("get_session")()

	query := `
		SELECT id, data, expires_at, updated_at
		FROM sessions
		WHERE id = $1 AND expires_at > NOW()
	`

	var rec SessionRecord
	if err := r.db.GetContext(ctx, &rec, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrSessionNotFound
		}
		return nil, err
	}
	return &rec, nil
}

// Save upserts the record and, when previousID is set, deletes the old row in the same transaction
func (r *sessionRepository) Save(ctx context.Context, rec *SessionRecord, previousID string) error {
	defer metrics.TimeQuery("save_session")()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if previousID != "" && previousID != rec.ID {
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, previousID); err != nil {
			return fmt.Errorf("failed to delete previous session: %w", err)
		}
	}

	rec.UpdatedAt = time.Now().UTC()
	query := `
		INSERT INTO sessions (id, data, expires_at, updated_at)
		VALUES (:id, :data, :expires_at, :updated_at)
		ON CONFLICT (id) DO UPDATE
		SET data = EXCLUDED.data, expires_at = EXCLUDED.expires_at, updated_at = EXCLUDED.updated_at
	`
	if _, err := tx.NamedExecContext(ctx, query, rec); err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}

	return tx.Commit()
}

// Delete removes a session; deleting a missing session is not an error
func (r *sessionRepository) Delete(ctx context.Context, id string) error {
	defer metrics.TimeQuery("delete_session")()

	_, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// CleanupExpiredSessions removes all expired sessions from the database
func (r *sessionRepository) CleanupExpiredSessions(ctx context.Context) (int64, error) {
	defer metrics.TimeQuery("cleanup_sessions")()

	result, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
