package session

import "errors"

var (
	// ErrNotFound is returned when no record exists for the principal.
	ErrNotFound = errors.New("session not found")

	// ErrSuperseded is returned when the presented token belongs to an older session
	// or was already redeemed.
	ErrSuperseded = errors.New("session superseded")

	// ErrInvalidRecord is returned for records missing a principal or fingerprints.
	ErrInvalidRecord = errors.New("invalid session record")
)
