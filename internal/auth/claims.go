package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// The principal id travels in both token types; the role only in access tokens.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Role      string    `json:"role,omitempty"`
	TokenType TokenType `json:"token_type"`
}

// Identity is the request identity carried by an access token.
func (c Claims) Identity() Identity {
	return Identity{UserID: c.UserID, Role: c.Role, TokenID: c.ID}
}
