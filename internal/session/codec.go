package session

import (
	"encoding/json"
	"fmt"
	"time"
)

// record is the persisted form of a Session
type record struct {
	User           *UserSnapshot           `json:"user,omitempty"`
	LoginAt        time.Time               `json:"login_at"`
	LastActivityAt time.Time               `json:"last_activity_at"`
	RegeneratedAt  time.Time               `json:"regenerated_at"`
	CreatedAt      time.Time               `json:"created_at"`
	CSRFTokens     map[string]CSRFToken    `json:"csrf_tokens,omitempty"`
	LoginAttempts  map[string]LoginAttempt `json:"login_attempts,omitempty"`
	Values         map[string]string       `json:"values,omitempty"`
	Flash          []FlashMessage          `json:"flash,omitempty"`
}

// Encode serializes the session contents; the identifier is the storage key and is not included
func Encode(s *Session) ([]byte, error) {
	data, err := json.Marshal(record{
		User:           s.user,
		LoginAt:        s.loginAt,
		LastActivityAt: s.lastActivityAt,
		RegeneratedAt:  s.regeneratedAt,
		CreatedAt:      s.createdAt,
		CSRFTokens:     s.csrfTokens,
		LoginAttempts:  s.loginAttempts,
		Values:         s.values,
		Flash:          s.flash,
	})
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

// Decode restores a persisted session stored under id
func Decode(id string, data []byte) (*Session, error) {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	s := &Session{
		id:             id,
		user:           rec.User,
		loginAt:        rec.LoginAt,
		lastActivityAt: rec.LastActivityAt,
		regeneratedAt:  rec.RegeneratedAt,
		createdAt:      rec.CreatedAt,
		csrfTokens:     rec.CSRFTokens,
		loginAttempts:  rec.LoginAttempts,
		values:         rec.Values,
		flash:          rec.Flash,
	}
	if s.csrfTokens == nil {
		s.csrfTokens = make(map[string]CSRFToken)
	}
	if s.loginAttempts == nil {
		s.loginAttempts = make(map[string]LoginAttempt)
	}
	if s.values == nil {
		s.values = make(map[string]string)
	}
	return s, nil
}
