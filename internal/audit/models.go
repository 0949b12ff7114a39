package audit

import "time"

// Event is an immutable, append-only audit log record of an authentication event.
//
// Invariants:
// - Events are never updated or deleted.
// - principal_id is required; it is the account the event is about.
// - actor and ip capture are best-effort; do not block sign-in flows on audit failures.
type Event struct {
	ID string `json:"id" db:"id"`

	// Type indicates the category of the audit record.
	Type EventType `json:"type" db:"type"`

	PrincipalID string `json:"principal_id" db:"principal_id"`

	// ActorID is the user causing the event when it differs from the principal (admin revoke).
	ActorID string `json:"actor_id,omitempty" db:"actor_id"`

	// IPAddress is the resolved client IP.
	IPAddress string `json:"ip_address,omitempty" db:"ip_address"`

	// Message is a short human-readable description for internal ops.
	Message string `json:"message,omitempty" db:"message"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type EventType string

const (
	EventTypeRegister        EventType = "register"
	EventTypeLogin           EventType = "login"
	EventTypeRefresh         EventType = "refresh"
	EventTypeRefreshRejected EventType = "refresh_rejected"
	EventTypeLogout          EventType = "logout"
	EventTypeRevoke          EventType = "revoke"
)
