package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events.
//
// It MUST be append-only.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service logs internal audit information.
//
// Callers should treat audit logging as best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s == nil || s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.PrincipalID == "" || e.Type == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// LogAuth records a self-service event (register, login, refresh, logout).
func (s *Service) LogAuth(ctx context.Context, t EventType, principalID, ip, message string) error {
	return s.Append(ctx, Event{
		Type:        t,
		PrincipalID: principalID,
		IPAddress:   ip,
		Message:     message,
	})
}

// LogRevoke records an admin ending another principal's session.
func (s *Service) LogRevoke(ctx context.Context, principalID, actorID, ip string) error {
	return s.Append(ctx, Event{
		Type:        EventTypeRevoke,
		PrincipalID: principalID,
		ActorID:     actorID,
		IPAddress:   ip,
		Message:     "session revoked",
	})
}
