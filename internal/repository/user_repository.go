package repository

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/khalloda/spare-parts-system/internal/metrics"
)

// Common errors
var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("username or email already exists")
)

const uniqueViolation = "23505"

// UserRepository defines the interface for user data access
type UserRepository interface {
	Create(ctx context.Context, user *User) error
	GetByID(ctx context.Context, id uuid.UUID) (*User, error)
	FindActiveByIdentifier(ctx context.Context, identifier string) (*User, error)
	FindActiveByRememberTokenHash(ctx context.Context, tokenHash string) (*User, error)
	SetRememberTokenHash(ctx context.Context, id uuid.UUID, tokenHash string) error
	ClearRememberTokenHash(ctx context.Context, id uuid.UUID) error
	UpdateLastLogin(ctx context.Context, id uuid.UUID) error
	UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error
	Exists(ctx context.Context, username, email string) (bool, error)
}

// userRepository implements UserRepository using PostgreSQL
type userRepository struct {
	pool *pgxpool.Pool
}

// NewUserRepository creates a new UserRepository instance
func NewUserRepository(pool *pgxpool.Pool) UserRepository {
	return &userRepository{pool: pool}
}

const userColumns = `id, username, email, password_hash, display_name, role, is_active,
	remember_token_hash, last_login_at, created_at, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	user := &User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.DisplayName,
		&user.Role,
		&user.IsActive,
		&user.RememberTokenHash,
		&user.LastLoginAt,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return user, nil
}

// Create inserts a new user; username and email must be unique
func (r *userRepository) Create(ctx context.Context, user *User) error {
	defer metrics.TimeQuery("create_user")()

	query := `
		INSERT INTO users (username, email, password_hash, display_name, role, is_active)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at, updated_at
	`

	err := r.pool.QueryRow(ctx, query,
		user.Username,
		strings.ToLower(user.Email),
		user.PasswordHash,
		user.DisplayName,
		user.Role,
		user.IsActive,
	).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return ErrUserExists
		}
		return err
	}

	user.Email = strings.ToLower(user.Email)
	return nil
}

// GetByID retrieves a user by their ID
func (r *userRepository) GetByID(ctx context.Context, id uuid.UUID) (*User, error) {
	defer metrics.TimeQuery("get_user")()

	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.pool.QueryRow(ctx, query, id))
}

// FindActiveByIdentifier looks up an active user by username or email
func (r *userRepository) FindActiveByIdentifier(ctx context.Context, identifier string) (*User, error) {
	defer metrics.TimeQuery("find_user")()

	query := `SELECT ` + userColumns + `
		FROM users
		WHERE (username = $1 OR email = LOWER($1)) AND is_active = TRUE
		LIMIT 1`
	return scanUser(r.pool.QueryRow(ctx, query, strings.TrimSpace(identifier)))
}

// FindActiveByRememberTokenHash looks up an active user by the hash of a remember token
func (r *userRepository) FindActiveByRememberTokenHash(ctx context.Context, tokenHash string) (*User, error) {
	defer metrics.TimeQuery("find_user_by_remember_token")()

	query := `SELECT ` + userColumns + `
		FROM users
		WHERE remember_token_hash = $1 AND is_active = TRUE`
	return scanUser(r.pool.QueryRow(ctx, query, tokenHash))
}

// SetRememberTokenHash replaces the stored remember token hash; any earlier token stops matching
func (r *userRepository) SetRememberTokenHash(ctx context.Context, id uuid.UUID, tokenHash string) error {
	return r.exec(ctx, "set_remember_token",
		`UPDATE users SET remember_token_hash = $2, updated_at = NOW() WHERE id = $1`, id, tokenHash)
}

// ClearRememberTokenHash removes the stored remember token hash
func (r *userRepository) ClearRememberTokenHash(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "clear_remember_token",
		`UPDATE users SET remember_token_hash = NULL, updated_at = NOW() WHERE id = $1`, id)
}

// UpdateLastLogin stamps last_login_at with the current time
func (r *userRepository) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	return r.exec(ctx, "update_last_login",
		`UPDATE users SET last_login_at = NOW() WHERE id = $1`, id)
}

// UpdatePassword stores a new password hash
func (r *userRepository) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return r.exec(ctx, "update_password",
		`UPDATE users SET password_hash = $2, updated_at = NOW() WHERE id = $1`, id, passwordHash)
}

// Exists reports whether a user already holds the username or email
func (r *userRepository) Exists(ctx context.Context, username, email string) (bool, error) {
	defer metrics.TimeQuery("user_exists")()

	query := `SELECT EXISTS(SELECT 1 FROM users WHERE username = $1 OR email = LOWER($2))`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, username, email).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func (r *userRepository) exec(ctx context.Context, operation, query string, args ...any) error {
	defer metrics.TimeQuery(operation)()

	result, err := r.pool.Exec(ctx, query, args...)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}
