package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"huddle/cmd/identity"
)

// maxCredentialBytes bounds the work done on attacker-controlled input.
const maxCredentialBytes = 4096

// Identity is a verified user, resolved from a bearer credential.
type Identity struct {
	UserID      string
	DisplayName string
}

// Verifier resolves bearer credentials to identities.
type Verifier struct {
	log    *slog.Logger
	tokens TokenVerifier
	users  identity.UserStore
	now    func() time.Time
}

// NewVerifier constructs a Verifier over a token verifier and the user store.
func NewVerifier(log *slog.Logger, tokens TokenVerifier, users identity.UserStore) *Verifier {
	if log == nil {
		log = slog.Default()
	}
	return &Verifier{
		log:    log,
		tokens: tokens,
		users:  users,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Verify checks credential and looks up its subject.
//
// Every failure returns ErrAuthFailure. The underlying reason is logged,
// never returned, so callers cannot leak it to clients.
func (v *Verifier) Verify(ctx context.Context, credential string) (Identity, error) {
	if v == nil || v.tokens == nil || v.users == nil {
		return Identity{}, ErrAuthFailure
	}

	credential = strings.TrimSpace(credential)
	if credential == "" || len(credential) > maxCredentialBytes {
		v.log.Debug("auth.verify.reject", "reason", "empty_or_oversized")
		return Identity{}, ErrAuthFailure
	}

	claims, err := v.tokens.Verify(credential, v.now())
	if err != nil {
		v.log.Debug("auth.verify.reject", "reason", "token", "err", err)
		return Identity{}, ErrAuthFailure
	}

	u, err := v.users.GetUser(ctx, claims.Subject)
	if err != nil {
		if identity.IsNotFound(err) {
			v.log.Info("auth.verify.reject", "reason", "unknown_subject", "user_id", claims.Subject)
		} else {
			v.log.Warn("auth.verify.lookup_fail", "user_id", claims.Subject, "err", err)
		}
		return Identity{}, ErrAuthFailure
	}

	return Identity{UserID: u.ID, DisplayName: u.Name()}, nil
}

// CredentialFromRequest extracts a bearer credential from the Authorization
// header, falling back to the "token" query parameter (browsers cannot set
// headers on websocket handshakes).
func CredentialFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	h := strings.TrimSpace(r.Header.Get("Authorization"))
	if h != "" {
		scheme, rest, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(rest)
		}
		return ""
	}
	return strings.TrimSpace(r.URL.Query().Get("token"))
}
