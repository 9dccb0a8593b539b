package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/khalloda/spare-parts-system/internal/repository"
)

// RepositoryStore persists sessions in PostgreSQL through the session repository
type RepositoryStore struct {
	repo repository.SessionRepository
	now  func() time.Time
}

// NewRepositoryStore creates a RepositoryStore
func NewRepositoryStore(repo repository.SessionRepository) *RepositoryStore {
	return &RepositoryStore{repo: repo, now: time.Now}
}

// Load returns the session stored under id
func (s *RepositoryStore) Load(ctx context.Context, id string) (*Session, error) {
	rec, err := s.repo.Get(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrSessionNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return Decode(id, rec.Data)
}

// Save writes the session and drops its previous row in one transaction
func (s *RepositoryStore) Save(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := Encode(sess)
	if err != nil {
		return err
	}
	rec := &repository.SessionRecord{
		ID:        sess.ID(),
		Data:      data,
		ExpiresAt: s.now().Add(ttl).UTC(),
	}
	if err := s.repo.Save(ctx, rec, sess.PreviousID()); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// Delete removes the session stored under id
func (s *RepositoryStore) Delete(ctx context.Context, id string) error {
	return s.repo.Delete(ctx, id)
}

// DeleteExpired removes expired rows
func (s *RepositoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	return s.repo.CleanupExpiredSessions(ctx)
}
