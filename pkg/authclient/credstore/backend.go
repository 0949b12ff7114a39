package credstore

import "context"

// Fixed persisted keys.
const (
	KeyAccess  = "rentcar.session.access"
	KeyRefresh = "rentcar.session.refresh"
)

// Notification describes a write made through another handle of the same backend.
type Notification struct {
	Values  map[string]string
	Removed []string
}

// Backend is the persisted, tab-scoped store behind a Store. Values are opaque to it.
//
// Watch delivers notifications for writes made by other handles only, like browser
// storage events which never fire in the tab that made the change.
type Backend interface {
	Load(ctx context.Context, key string) (string, bool, error)
	Save(ctx context.Context, values map[string]string) error
	Remove(ctx context.Context, keys ...string) error
	Watch(ctx context.Context) (<-chan Notification, error)
}
