package session

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotFound is returned by a Store when no live session exists for an identifier
var ErrNotFound = errors.New("session not found")

// ErrCorrupt is returned when a stored record cannot be decoded
var ErrCorrupt = errors.New("session record corrupt")

// Store persists sessions keyed by identifier.
//
// Save writes the session under its current identifier with the given time to
// live. When the session was regenerated during the request, Save must remove
// the record stored under PreviousID in the same atomic operation.
type Store interface {
	Load(ctx context.Context, id string) (*Session, error)
	Save(ctx context.Context, s *Session, ttl time.Duration) error
	Delete(ctx context.Context, id string) error
}

// ExpiredDeleter is implemented by stores that need a periodic sweep
type ExpiredDeleter interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// MemoryStore keeps encoded sessions in process memory. It is meant for
// development and tests; sessions do not survive restarts or span instances.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
}

// WithClock replaces the time source, for tests
func (m *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	m.now = now
	return m
}

// Load returns the session stored under id
func (m *MemoryStore) Load(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	entry, ok := m.entries[id]
	if ok && !m.now().Before(entry.expiresAt) {
		delete(m.entries, id)
		ok = false
	}
	m.mu.Unlock()

	if !ok {
		return nil, ErrNotFound
	}
	return Decode(id, entry.data)
}

// Save stores the session and drops its previous identifier
func (m *MemoryStore) Save(ctx context.Context, s *Session, ttl time.Duration) error {
	data, err := Encode(s)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if prev := s.PreviousID(); prev != "" {
		delete(m.entries, prev)
	}
	m.entries[s.ID()] = memoryEntry{data: data, expiresAt: m.now().Add(ttl)}
	return nil
}

// Delete removes the session stored under id
func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

// DeleteExpired drops every expired entry
func (m *MemoryStore) DeleteExpired(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var n int64
	for id, entry := range m.entries {
		if !now.Before(entry.expiresAt) {
			delete(m.entries, id)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored entries, expired or not
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
