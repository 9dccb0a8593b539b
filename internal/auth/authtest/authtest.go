// Package authtest provides an in-memory user repository and a ready-wired
// authentication stack for tests of packages built on auth.
package authtest

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/khalloda/spare-parts-system/internal/auth"
	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/session"
)

// TB is satisfied by both *testing.T and *rapid.T
type TB interface {
	Helper()
	Fatalf(format string, args ...any)
}

// Password is the password of every user created by AddUser
const Password = "Str0ng!Pass"

// MemoryUsers implements repository.UserRepository in memory
type MemoryUsers struct {
	mu    sync.Mutex
	users map[uuid.UUID]*repository.User
}

// NewMemoryUsers returns an empty repository
func NewMemoryUsers() *MemoryUsers {
	return &MemoryUsers{users: make(map[uuid.UUID]*repository.User)}
}

func (m *MemoryUsers) Create(ctx context.Context, user *repository.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username || u.Email == strings.ToLower(user.Email) {
			return repository.ErrUserExists
		}
	}
	user.ID = uuid.New()
	user.Email = strings.ToLower(user.Email)
	user.CreatedAt = time.Now().UTC()
	user.UpdatedAt = user.CreatedAt
	m.users[user.ID] = user
	return nil
}

func (m *MemoryUsers) GetByID(ctx context.Context, id uuid.UUID) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[id]; ok {
		return u, nil
	}
	return nil, repository.ErrUserNotFound
}

func (m *MemoryUsers) FindActiveByIdentifier(ctx context.Context, identifier string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	identifier = strings.TrimSpace(identifier)
	for _, u := range m.users {
		if u.IsActive && (u.Username == identifier || u.Email == strings.ToLower(identifier)) {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *MemoryUsers) FindActiveByRememberTokenHash(ctx context.Context, tokenHash string) (*repository.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.IsActive && u.RememberTokenHash != nil && *u.RememberTokenHash == tokenHash {
			return u, nil
		}
	}
	return nil, repository.ErrUserNotFound
}

func (m *MemoryUsers) SetRememberTokenHash(ctx context.Context, id uuid.UUID, tokenHash string) error {
	return m.update(id, func(u *repository.User) { u.RememberTokenHash = &tokenHash })
}

func (m *MemoryUsers) ClearRememberTokenHash(ctx context.Context, id uuid.UUID) error {
	return m.update(id, func(u *repository.User) { u.RememberTokenHash = nil })
}

func (m *MemoryUsers) UpdateLastLogin(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	return m.update(id, func(u *repository.User) { u.LastLoginAt = &now })
}

func (m *MemoryUsers) UpdatePassword(ctx context.Context, id uuid.UUID, passwordHash string) error {
	return m.update(id, func(u *repository.User) { u.PasswordHash = passwordHash })
}

func (m *MemoryUsers) Exists(ctx context.Context, username, email string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == username || u.Email == strings.ToLower(email) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryUsers) update(id uuid.UUID, fn func(*repository.User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return repository.ErrUserNotFound
	}
	fn(u)
	u.UpdatedAt = time.Now().UTC()
	return nil
}

// AddUser stores an active user with role whose password is Password
func (m *MemoryUsers) AddUser(t TB, username string, role repository.Role) *repository.User {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(Password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	u := &repository.User{
		Username:     username,
		Email:        username + "@example.com",
		PasswordHash: string(hash),
		DisplayName:  username,
		Role:         role,
		IsActive:     true,
	}
	if err := m.Create(context.Background(), u); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return u
}

// Clock is a manually advanced time source
type Clock struct {
	mu  sync.Mutex
	now time.Time
}

// NewClock starts at a fixed instant
func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// Stack is a session manager and auth service sharing one clock and store
type Stack struct {
	Users    *MemoryUsers
	Store    *session.MemoryStore
	Sessions *session.Manager
	Auth     *auth.Service
	Clock    *Clock
}

// NewStack wires an authentication stack backed by memory stores
func NewStack(t TB) *Stack {
	t.Helper()
	clock := NewClock()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := session.NewMemoryStore().WithClock(clock.Now)
	manager := session.NewManager(session.ManagerConfig{
		Store:   store,
		HashKey: []byte("0123456789abcdef0123456789abcdef"),
		Now:     clock.Now,
		Logger:  logger,
	})
	users := NewMemoryUsers()
	svc, err := auth.NewService(users, manager, auth.NewPasswordHasher(bcrypt.MinCost), auth.Config{Now: clock.Now}, logger)
	if err != nil {
		t.Fatalf("new auth service: %v", err)
	}
	return &Stack{Users: users, Store: store, Sessions: manager, Auth: svc, Clock: clock}
}
