package auth

import "errors"

var (
	// ErrInvalidToken covers malformed, expired, wrongly signed or wrongly typed tokens.
	ErrInvalidToken = errors.New("invalid token")

	// ErrSessionSuperseded is returned for a valid token that is not the principal's current session.
	ErrSessionSuperseded = errors.New("session superseded")

	// ErrSessionUnavailable is returned when the session registry cannot be reached.
	// It is not an authorization failure and must not be reported as 401.
	ErrSessionUnavailable = errors.New("session registry unavailable")
)
