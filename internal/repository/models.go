package repository

import (
	"time"

	"github.com/google/uuid"
)

// Role is a user's authorization level
type Role string

// Roles known to the application
const (
	RoleAdmin   Role = "admin"
	RoleManager Role = "manager"
	RoleUser    Role = "user"
)

// Valid reports whether r is a known role
func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleManager, RoleUser:
		return true
	}
	return false
}

// User represents a user account in the database
type User struct {
	ID                uuid.UUID  `db:"id"`
	Username          string     `db:"username"`
	Email             string     `db:"email"`
	PasswordHash      string     `db:"password_hash"`
	DisplayName       string     `db:"display_name"`
	Role              Role       `db:"role"`
	IsActive          bool       `db:"is_active"`
	RememberTokenHash *string    `db:"remember_token_hash"`
	LastLoginAt       *time.Time `db:"last_login_at"`
	CreatedAt         time.Time  `db:"created_at"`
	UpdatedAt         time.Time  `db:"updated_at"`
}

// SessionRecord is a persisted browser session
type SessionRecord struct {
	ID        string    `db:"id"`
	Data      []byte    `db:"data"`
	ExpiresAt time.Time `db:"expires_at"`
	UpdatedAt time.Time `db:"updated_at"`
}
