package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/session"
)

// Authenticator checks an access token end to end: signature and claims first,
// then the Session Registry, which rejects tokens of superseded or revoked sessions.
type Authenticator struct {
	Tokens   *Manager
	Sessions session.Registry
}

func NewAuthenticator(tokens *Manager, sessions session.Registry) *Authenticator {
	return &Authenticator{Tokens: tokens, Sessions: sessions}
}

// Authenticate returns the claims of a current access token.
// Errors: ErrInvalidToken, ErrSessionSuperseded, ErrSessionUnavailable.
func (a *Authenticator) Authenticate(ctx context.Context, token string, now time.Time) (Claims, error) {
	claims, err := a.Tokens.Verify(token, TokenTypeAccess, now)
	if err != nil {
		return Claims{}, err
	}

	ok, err := a.Sessions.Validate(ctx, claims.UserID, token)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrSessionUnavailable, err)
	}
	if !ok {
		return Claims{}, ErrSessionSuperseded
	}
	return claims, nil
}
