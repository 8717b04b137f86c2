package auth

import "errors"

var (
	// ErrAuthFailure is the only error callers of Verifier.Verify observe.
	// Malformed, expired, wrongly signed and unknown-subject credentials are
	// indistinguishable on purpose.
	ErrAuthFailure = errors.New("authentication failed")

	// ErrInvalidToken is returned by token verifiers when a token fails verification.
	ErrInvalidToken = errors.New("invalid token")

	// ErrNoSigningKey is returned when a manager was built from a verification key only.
	ErrNoSigningKey = errors.New("no signing key configured")

	// ErrConfig is returned for invalid configuration.
	ErrConfig = errors.New("invalid auth config")
)
