package session

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"time"

	"github.com/zeebo/blake3"
)

// Record is the single current session of a principal.
type Record struct {
	PrincipalID        string    `json:"principal_id"`
	AccessFingerprint  string    `json:"access_fp"`
	RefreshFingerprint string    `json:"refresh_fp"`
	IssuedAt           time.Time `json:"issued_at"`
}

// NewRecord fingerprints a freshly issued token pair.
func NewRecord(principalID, accessToken, refreshToken string, issuedAt time.Time) Record {
	return Record{
		PrincipalID:        principalID,
		AccessFingerprint:  Fingerprint(accessToken),
		RefreshFingerprint: Fingerprint(refreshToken),
		IssuedAt:           issuedAt.UTC(),
	}
}

func (r Record) validate() error {
	if r.PrincipalID == "" || r.AccessFingerprint == "" || r.RefreshFingerprint == "" {
		return ErrInvalidRecord
	}
	return nil
}

// ChangeKind classifies registry writes.
type ChangeKind string

const (
	ChangeRecorded ChangeKind = "recorded"
	ChangeRotated  ChangeKind = "rotated"
	ChangeRevoked  ChangeKind = "revoked"
)

// Change is published after every registry write.
// AccessFingerprint is empty for revocations.
type Change struct {
	Kind              ChangeKind `json:"kind"`
	PrincipalID       string     `json:"principal_id"`
	AccessFingerprint string     `json:"access_fp,omitempty"`
	At                time.Time  `json:"at"`
}

// Registry is the authoritative store of current sessions.
type Registry interface {
	// RecordSession overwrites the principal's record (login).
	RecordSession(ctx context.Context, rec Record) error

	// Validate reports whether accessToken is the principal's current access token.
	Validate(ctx context.Context, principalID, accessToken string) (bool, error)

	// Rotate replaces the record only if refreshToken is the principal's current
	// refresh token. A second redemption of the same refresh token fails with ErrSuperseded.
	Rotate(ctx context.Context, principalID, refreshToken string, next Record) error

	// Revoke deletes the principal's record. Revoking a missing record is not an error.
	Revoke(ctx context.Context, principalID string) error

	// Get returns the current record or ErrNotFound.
	Get(ctx context.Context, principalID string) (Record, error)

	// Watch streams changes until ctx is done.
	Watch(ctx context.Context) (<-chan Change, error)
}

// Fingerprint derives the value stored for a token. Tokens themselves are never stored.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

func fingerprintMatches(stored, token string) bool {
	fp := Fingerprint(token)
	if stored == "" || fp == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(stored), []byte(fp)) == 1
}
