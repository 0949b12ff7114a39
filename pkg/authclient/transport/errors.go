package transport

import (
	"errors"
	"fmt"
)

// ErrSessionEnded marks a terminal authentication outcome: the refresh cycle failed and the
// credential store has been cleared.
var ErrSessionEnded = errors.New("session ended")

// ErrNoCredential is the cause when there is nothing to refresh with.
var ErrNoCredential = errors.New("no refresh credential")

// SessionEndedError is returned to every request that waited on a failed refresh cycle.
type SessionEndedError struct {
	Cause error
}

func (e *SessionEndedError) Error() string {
	if e.Cause == nil {
		return ErrSessionEnded.Error()
	}
	return ErrSessionEnded.Error() + ": " + e.Cause.Error()
}

// Unwrap makes errors.Is match both ErrSessionEnded and the cause.
func (e *SessionEndedError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrSessionEnded}
	}
	return []error{ErrSessionEnded, e.Cause}
}

// RefreshRejectedError is the cause when the server refused the refresh token.
type RefreshRejectedError struct {
	StatusCode int
}

func (e *RefreshRejectedError) Error() string {
	return fmt.Sprintf("refresh rejected with status %d", e.StatusCode)
}
