package auth

import (
	"os"
	"strings"
	"time"
)

// Token schemes accepted by LoadConfigFromEnv.
const (
	SchemePaseto = "paseto"
	SchemeJWT    = "jwt"
)

// Config defines runtime configuration for credential verification.
type Config struct {
	// Scheme selects the token format: SchemePaseto or SchemeJWT.
	Scheme string

	// Issuer is the expected "iss" claim. Empty disables the issuer check for JWT.
	Issuer string

	// AccessTokenTTL is only used when signing tokens (tests, dev tooling).
	AccessTokenTTL time.Duration

	// ClockSkew defines the allowed time skew during token validation.
	ClockSkew time.Duration

	// PasetoV4PublicKeyHex verifies v4.public tokens.
	PasetoV4PublicKeyHex string

	// PasetoV4SecretKeyHex additionally enables signing. When set, the public
	// key is derived from it and PasetoV4PublicKeyHex may be empty.
	PasetoV4SecretKeyHex string

	// JWTSecret is the shared HS256 key.
	JWTSecret string
}

// DefaultConfig returns defaults suitable for development.
func DefaultConfig() Config {
	return Config{
		Scheme:         SchemePaseto,
		Issuer:         "huddle",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// LoadConfigFromEnv loads auth configuration from environment variables.
//
// Variables:
//   - HUDDLE_AUTH_SCHEME (paseto|jwt, default paseto)
//   - HUDDLE_AUTH_ISSUER
//   - HUDDLE_AUTH_ACCESS_TTL
//   - HUDDLE_AUTH_CLOCK_SKEW
//   - HUDDLE_PASETO_V4_PUBLIC_KEY_HEX / HUDDLE_PASETO_V4_SECRET_KEY_HEX (paseto)
//   - HUDDLE_JWT_SECRET (jwt, at least 32 bytes)
//
// Returns ErrConfig if configuration is invalid.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	if v := strings.ToLower(strings.TrimSpace(os.Getenv("HUDDLE_AUTH_SCHEME"))); v != "" {
		cfg.Scheme = v
	}
	if v, ok := os.LookupEnv("HUDDLE_AUTH_ISSUER"); ok {
		cfg.Issuer = strings.TrimSpace(v)
	}

	if v := os.Getenv("HUDDLE_AUTH_ACCESS_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			return Config{}, ErrConfig
		}
		cfg.AccessTokenTTL = d
	}

	if v := os.Getenv("HUDDLE_AUTH_CLOCK_SKEW"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			return Config{}, ErrConfig
		}
		cfg.ClockSkew = d
	}

	cfg.PasetoV4PublicKeyHex = strings.TrimSpace(os.Getenv("HUDDLE_PASETO_V4_PUBLIC_KEY_HEX"))
	cfg.PasetoV4SecretKeyHex = strings.TrimSpace(os.Getenv("HUDDLE_PASETO_V4_SECRET_KEY_HEX"))
	cfg.JWTSecret = os.Getenv("HUDDLE_JWT_SECRET")

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that the selected scheme has the key material it needs.
func (c Config) Validate() error {
	switch c.Scheme {
	case SchemePaseto:
		if c.PasetoV4PublicKeyHex == "" && c.PasetoV4SecretKeyHex == "" {
			return ErrConfig
		}
		if c.Issuer == "" {
			return ErrConfig
		}
	case SchemeJWT:
		// HS256 keys shorter than the hash output are brute-forceable.
		if len(c.JWTSecret) < 32 {
			return ErrConfig
		}
	default:
		return ErrConfig
	}
	return nil
}
