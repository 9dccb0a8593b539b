package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/khalloda/spare-parts-system/internal/metrics"
	"github.com/khalloda/spare-parts-system/internal/repository"
	"github.com/khalloda/spare-parts-system/internal/session"
)

const rememberTokenBytes = 32

// HashRememberToken returns the stored form of a raw remember token
func HashRememberToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// issueRememberToken stores the hash of a fresh token, replacing any previous
// one, and sends the raw token as a cookie.
func (a *Authenticator) issueRememberToken(ctx context.Context, userID uuid.UUID) error {
	buf := make([]byte, rememberTokenBytes)
	if _, err := io.ReadFull(a.svc.cfg.Rand, buf); err != nil {
		return fmt.Errorf("generate remember token: %w", err)
	}
	raw := hex.EncodeToString(buf)

	if err := a.svc.users.SetRememberTokenHash(ctx, userID, HashRememberToken(raw)); err != nil {
		return fmt.Errorf("store remember token: %w", err)
	}

	http.SetCookie(a.w, &http.Cookie{
		Name:     a.svc.cfg.RememberCookie,
		Value:    raw,
		Path:     a.svc.cfg.CookiePath,
		Expires:  a.svc.cfg.Now().Add(a.svc.cfg.RememberDuration),
		MaxAge:   int(a.svc.cfg.RememberDuration.Seconds()),
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
	return nil
}

// loginFromRememberCookie authenticates from a remember cookie and rotates it.
// The rotated hash overwrites the old one so a superseded cookie never matches.
func (a *Authenticator) loginFromRememberCookie(ctx context.Context) {
	c, err := a.r.Cookie(a.svc.cfg.RememberCookie)
	if err != nil || c.Value == "" {
		return
	}

	user, err := a.svc.users.FindActiveByRememberTokenHash(ctx, HashRememberToken(c.Value))
	if err != nil {
		if errors.Is(err, repository.ErrUserNotFound) {
			metrics.RecordRememberLogin("rejected")
			a.log(ctx).Info("Rejected unknown remember cookie", slog.String("client_addr", ClientAddress(a.r)))
			a.expireRememberCookie()
			return
		}
		metrics.RecordRememberLogin("error")
		a.log(ctx).Error("Failed to look up remember cookie", slog.String("error", err.Error()))
		return
	}

	if err := a.establish(ctx, user); err != nil {
		metrics.RecordRememberLogin("error")
		a.log(ctx).Error("Failed to restore remembered login",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
		a.user = nil
		return
	}
	if err := a.issueRememberToken(ctx, user.ID); err != nil {
		a.log(ctx).Error("Failed to rotate remember cookie",
			slog.String("user_id", user.ID.String()),
			slog.String("error", err.Error()),
		)
	}

	metrics.RecordRememberLogin("success")
	a.log(ctx).Info("User restored from remember cookie", slog.String("user_id", user.ID.String()))
}

func (a *Authenticator) expireRememberCookie() {
	if _, err := a.r.Cookie(a.svc.cfg.RememberCookie); err != nil {
		return
	}
	http.SetCookie(a.w, &http.Cookie{
		Name:     a.svc.cfg.RememberCookie,
		Value:    "",
		Path:     a.svc.cfg.CookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   a.secureCookies(),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *Authenticator) secureCookies() bool {
	return a.svc.cfg.SecureCookies || session.IsHTTPS(a.r)
}
