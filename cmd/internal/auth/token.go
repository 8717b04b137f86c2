package auth

import "time"

// Claims is the minimal identity envelope carried by an access token.
type Claims struct {
	Subject   string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenVerifier checks a token's signature and validity window.
type TokenVerifier interface {
	Verify(token string, now time.Time) (Claims, error)
}

// TokenManager verifies tokens and, when configured with a signing key, issues them.
type TokenManager interface {
	TokenVerifier
	Issue(subject string, now time.Time) (token string, exp time.Time, err error)
}

// NewTokenManager builds the TokenManager selected by cfg.Scheme.
func NewTokenManager(cfg Config) (TokenManager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Scheme {
	case SchemeJWT:
		return NewJWTHS256Manager(cfg)
	default:
		return NewPasetoV4PublicManager(cfg)
	}
}
