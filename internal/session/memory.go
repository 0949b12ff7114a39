package session

import (
	"context"
	"sync"
	"time"
)

// MemoryRegistry is a process-local Registry.
// It is used by tests and by SESSION_STORE=memory; it cannot coordinate multiple API instances.
type MemoryRegistry struct {
	ttl   time.Duration
	clock func() time.Time

	mu       sync.Mutex
	records  map[string]memoryEntry
	watchers map[chan Change]context.Context
}

type memoryEntry struct {
	rec       Record
	expiresAt time.Time
}

func NewMemoryRegistry(ttl time.Duration) *MemoryRegistry {
	return &MemoryRegistry{
		ttl:      ttl,
		clock:    time.Now,
		records:  make(map[string]memoryEntry),
		watchers: make(map[chan Change]context.Context),
	}
}

// WithClock replaces the time source; used by tests to expire records.
func (r *MemoryRegistry) WithClock(clock func() time.Time) *MemoryRegistry {
	r.clock = clock
	return r
}

func (r *MemoryRegistry) RecordSession(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	r.records[rec.PrincipalID] = memoryEntry{rec: rec, expiresAt: r.clock().Add(r.ttl)}
	r.mu.Unlock()

	r.publish(Change{Kind: ChangeRecorded, PrincipalID: rec.PrincipalID, AccessFingerprint: rec.AccessFingerprint, At: r.clock().UTC()})
	return nil
}

func (r *MemoryRegistry) Validate(ctx context.Context, principalID, accessToken string) (bool, error) {
	rec, err := r.Get(ctx, principalID)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return fingerprintMatches(rec.AccessFingerprint, accessToken), nil
}

func (r *MemoryRegistry) Rotate(ctx context.Context, principalID, refreshToken string, next Record) error {
	if err := next.validate(); err != nil {
		return err
	}
	if next.PrincipalID != principalID {
		return ErrInvalidRecord
	}

	r.mu.Lock()
	cur, ok := r.lookupLocked(principalID)
	if !ok {
		r.mu.Unlock()
		return ErrNotFound
	}
	if !fingerprintMatches(cur.RefreshFingerprint, refreshToken) {
		r.mu.Unlock()
		return ErrSuperseded
	}
	r.records[principalID] = memoryEntry{rec: next, expiresAt: r.clock().Add(r.ttl)}
	r.mu.Unlock()

	r.publish(Change{Kind: ChangeRotated, PrincipalID: principalID, AccessFingerprint: next.AccessFingerprint, At: r.clock().UTC()})
	return nil
}

func (r *MemoryRegistry) Revoke(ctx context.Context, principalID string) error {
	r.mu.Lock()
	delete(r.records, principalID)
	r.mu.Unlock()

	r.publish(Change{Kind: ChangeRevoked, PrincipalID: principalID, At: r.clock().UTC()})
	return nil
}

func (r *MemoryRegistry) Get(ctx context.Context, principalID string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.lookupLocked(principalID)
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemoryRegistry) Watch(ctx context.Context) (<-chan Change, error) {
	ch := make(chan Change, 64)
	r.mu.Lock()
	r.watchers[ch] = ctx
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		delete(r.watchers, ch)
		r.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (r *MemoryRegistry) lookupLocked(principalID string) (Record, bool) {
	e, ok := r.records[principalID]
	if !ok {
		return Record{}, false
	}
	if !r.clock().Before(e.expiresAt) {
		delete(r.records, principalID)
		return Record{}, false
	}
	return e.rec, true
}

// publish delivers the change to every live watcher.
// The lock is held while sending so a watcher channel is never closed mid-send.
func (r *MemoryRegistry) publish(c Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch, ctx := range r.watchers {
		select {
		case ch <- c:
		case <-ctx.Done():
		}
	}
}
