package session

import (
	"errors"
	"testing"
	"time"

	"pgregory.net/rapid"
)

var epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

func TestNew_IsEmptyAndClean(t *testing.T) {
	s := New("abc", epoch)

	if !s.IsNew() {
		t.Error("new session should report IsNew")
	}
	if s.Dirty() {
		t.Error("new session should not be dirty")
	}
	if s.User() != nil {
		t.Error("new session should have no user")
	}
	if !s.RegeneratedAt().Equal(epoch) {
		t.Errorf("regeneratedAt should start at creation, got %v", s.RegeneratedAt())
	}
}

func TestRegenerate_PreservesContentsAndRemembersFirstID(t *testing.T) {
	s := New("first", epoch)
	s.SetUser(UserSnapshot{ID: "u1", Username: "admin", Role: "admin"}, epoch)
	s.Set(KeyLanguage, "ar")
	s.markSaved()

	s.Regenerate("second", epoch.Add(time.Minute))
	s.Regenerate("third", epoch.Add(2*time.Minute))

	if s.ID() != "third" {
		t.Errorf("expected id third, got %s", s.ID())
	}
	if s.PreviousID() != "first" {
		t.Errorf("previous id should be the persisted one, got %q", s.PreviousID())
	}
	if s.User() == nil || s.User().Username != "admin" {
		t.Error("user should survive regeneration")
	}
	if s.Get(KeyLanguage) != "ar" {
		t.Error("values should survive regeneration")
	}
	if !s.Dirty() {
		t.Error("regenerated session must be dirty")
	}
}

func TestRegenerate_NewSessionHasNoPreviousID(t *testing.T) {
	s := New("first", epoch)
	s.Regenerate("second", epoch)
	if s.PreviousID() != "" {
		t.Errorf("unsaved session has nothing to delete, got %q", s.PreviousID())
	}
}

func TestInvalidate_ClearsEverything(t *testing.T) {
	s := New("first", epoch)
	s.SetUser(UserSnapshot{ID: "u1"}, epoch)
	s.SetCSRFToken("default", CSRFToken{Value: "x", IssuedAt: epoch})
	s.SetLoginAttempt("k", LoginAttempt{Count: 2, LastAttemptAt: epoch})
	s.AddFlash("success", "hi")
	s.markSaved()

	s.Invalidate("second", epoch.Add(time.Hour))

	if s.User() != nil || !s.LoginAt().IsZero() {
		t.Error("user should be cleared")
	}
	if len(s.CSRFTokens()) != 0 {
		t.Error("csrf tokens should be cleared")
	}
	if _, ok := s.LoginAttempt("k"); ok {
		t.Error("login attempts should be cleared")
	}
	if s.Flashes() != nil {
		t.Error("flash should be cleared")
	}
	if s.PreviousID() != "first" || s.ID() != "second" {
		t.Errorf("unexpected ids: %s <- %s", s.ID(), s.PreviousID())
	}
}

func TestUser_ReturnsCopy(t *testing.T) {
	s := New("id", epoch)
	s.SetUser(UserSnapshot{ID: "u1", Role: "user"}, epoch)

	u := s.User()
	u.Role = "admin"

	if s.User().Role != "user" {
		t.Error("mutating the returned snapshot must not change the session")
	}
}

func TestFlashes_PopOnce(t *testing.T) {
	s := New("id", epoch)
	s.AddFlash("error", "bad")
	s.AddFlash("success", "good")

	got := s.Flashes()
	if len(got) != 2 || got[0].Message != "bad" {
		t.Fatalf("unexpected flashes %+v", got)
	}
	if s.Flashes() != nil {
		t.Error("flashes should be consumed")
	}
}

func TestSet_SameValueDoesNotDirty(t *testing.T) {
	s := New("id", epoch)
	s.Set(KeyLanguage, "en")
	s.markSaved()

	s.Set(KeyLanguage, "en")
	if s.Dirty() {
		t.Error("writing an identical value should not dirty the session")
	}
	if s.Pop(KeyLanguage) != "en" || s.Get(KeyLanguage) != "" {
		t.Error("pop should return and remove")
	}
}

// Feature: session-store, Property 1: Encode/Decode Preserves Session State
// *For any* session contents, decoding the encoded form restores the same observable state.
func TestProperty1_EncodeDecodePreservesState(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		s := New("sid", epoch)
		username := rapid.StringMatching(`[a-z]{3,12}`).Draw(t, "username")
		role := rapid.SampledFrom([]string{"admin", "manager", "user"}).Draw(t, "role")
		s.SetUser(UserSnapshot{ID: "u", Username: username, Role: role}, epoch)

		scopes := rapid.SliceOfNDistinct(rapid.StringMatching(`[a-z]{1,8}`), 0, 10, rapid.ID[string]).Draw(t, "scopes")
		for i, scope := range scopes {
			s.SetCSRFToken(scope, CSRFToken{Value: scope + "-tok", IssuedAt: epoch.Add(time.Duration(i) * time.Second)})
		}
		attempts := rapid.IntRange(0, 10).Draw(t, "attempts")
		if attempts > 0 {
			s.SetLoginAttempt("key", LoginAttempt{Count: attempts, LastAttemptAt: epoch})
		}

		data, err := Encode(s)
		if err != nil {
			t.Fatalf("encode: %v", err)
		}
		got, err := Decode("sid", data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}

		if got.User() == nil || got.User().Username != username || got.User().Role != role {
			t.Fatalf("user mismatch: %+v", got.User())
		}
		if !got.LoginAt().Equal(epoch) {
			t.Fatalf("login time mismatch: %v", got.LoginAt())
		}
		if len(got.CSRFTokens()) != len(scopes) {
			t.Fatalf("expected %d tokens, got %d", len(scopes), len(got.CSRFTokens()))
		}
		for _, scope := range scopes {
			tok, ok := got.CSRFToken(scope)
			if !ok || tok.Value != scope+"-tok" {
				t.Fatalf("token for %q lost", scope)
			}
		}
		a, ok := got.LoginAttempt("key")
		if attempts > 0 && (!ok || a.Count != attempts) {
			t.Fatalf("attempt record lost")
		}
		if got.IsNew() || got.Dirty() {
			t.Fatal("decoded session should be clean and not new")
		}
	})
}

func TestDecode_RejectsGarbage(t *testing.T) {
	if _, err := Decode("id", []byte("not json")); !errors.Is(err, ErrCorrupt) {
		t.Errorf("Decode error = %v, want ErrCorrupt", err)
	}
}
