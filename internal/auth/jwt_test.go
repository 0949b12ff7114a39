package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/Qarib2004/rentcar-sub001/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.AuthConfig{
		JWTSecret:       "secret",
		JWTIssuer:       "issuer",
		JWTAudience:     "aud",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("manager: %v", err)
	}
	return m
}

func TestIssueAndVerifyAccessToken(t *testing.T) {
	m := newTestManager(t)

	now := time.Unix(1700000000, 0).UTC()
	pair, err := m.IssuePair(now, "user-1", "customer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatalf("expected token strings")
	}
	if !pair.AccessExpiresAt.Equal(now.Add(15 * time.Minute)) {
		t.Fatalf("unexpected access expiry %s", pair.AccessExpiresAt)
	}

	claims, err := m.Verify(pair.AccessToken, TokenTypeAccess, now.Add(1*time.Minute))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if claims.UserID != "user-1" || claims.Role != "customer" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	refresh, err := m.Verify(pair.RefreshToken, TokenTypeRefresh, now.Add(1*time.Hour))
	if err != nil {
		t.Fatalf("verify refresh: %v", err)
	}
	if refresh.Role != "" {
		t.Fatalf("refresh token must not carry a role")
	}
}

func TestVerifyRejectsWrongTokenType(t *testing.T) {
	m, _ := NewManager(config.AuthConfig{JWTSecret: "secret", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := m.IssuePair(time.Now(), "u", "customer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.RefreshToken, TokenTypeAccess, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected token_type mismatch, got %v", err)
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0)
	p, err := m.IssuePair(now, "u", "customer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, now.Add(16*time.Minute)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected expiry error, got %v", err)
	}
}

func TestVerifyRejectsForeignSecret(t *testing.T) {
	m := newTestManager(t)
	other, _ := NewManager(config.AuthConfig{JWTSecret: "other", JWTIssuer: "issuer", JWTAudience: "aud", AccessTokenTTL: time.Minute, RefreshTokenTTL: time.Hour})
	p, err := other.IssuePair(time.Now(), "u", "customer")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := m.Verify(p.AccessToken, TokenTypeAccess, time.Now()); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected signature error, got %v", err)
	}
}

func TestIssuePairYieldsDistinctTokens(t *testing.T) {
	m := newTestManager(t)
	now := time.Unix(1700000000, 0)
	a, _ := m.IssuePair(now, "u", "customer")
	b, _ := m.IssuePair(now, "u", "customer")
	if a.AccessToken == b.AccessToken || a.RefreshToken == b.RefreshToken {
		t.Fatalf("expected distinct tokens within the same second")
	}
}
