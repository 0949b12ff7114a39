package credstore

import (
	"context"
	"sync"
)

// MemoryArea is a shared in-process storage area, the equivalent of one origin's
// browser storage. Each Tab is a handle with its own notification stream.
type MemoryArea struct {
	mu     sync.Mutex
	values map[string]string
	tabs   map[*MemoryTab]struct{}
}

func NewMemoryArea() *MemoryArea {
	return &MemoryArea{
		values: make(map[string]string),
		tabs:   make(map[*MemoryTab]struct{}),
	}
}

// Tab opens a new handle on the area.
func (a *MemoryArea) Tab() *MemoryTab {
	t := &MemoryTab{area: a, watchers: make(map[chan Notification]context.Context)}
	a.mu.Lock()
	a.tabs[t] = struct{}{}
	a.mu.Unlock()
	return t
}

// Raw returns the stored (obfuscated) value of key.
func (a *MemoryArea) Raw(key string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	v, ok := a.values[key]
	return v, ok
}

// notify delivers n to every tab except origin. Caller holds a.mu.
func (a *MemoryArea) notifyLocked(origin *MemoryTab, n Notification) {
	for t := range a.tabs {
		if t == origin {
			continue
		}
		t.deliver(n)
	}
}

// MemoryTab is one tab's Backend on a MemoryArea.
type MemoryTab struct {
	area *MemoryArea

	mu       sync.Mutex
	watchers map[chan Notification]context.Context
}

var _ Backend = (*MemoryTab)(nil)

func (t *MemoryTab) Load(_ context.Context, key string) (string, bool, error) {
	t.area.mu.Lock()
	defer t.area.mu.Unlock()
	v, ok := t.area.values[key]
	return v, ok, nil
}

func (t *MemoryTab) Save(_ context.Context, values map[string]string) error {
	t.area.mu.Lock()
	defer t.area.mu.Unlock()

	copied := make(map[string]string, len(values))
	for k, v := range values {
		t.area.values[k] = v
		copied[k] = v
	}
	t.area.notifyLocked(t, Notification{Values: copied})
	return nil
}

func (t *MemoryTab) Remove(_ context.Context, keys ...string) error {
	t.area.mu.Lock()
	defer t.area.mu.Unlock()

	removed := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := t.area.values[k]; ok {
			delete(t.area.values, k)
			removed = append(removed, k)
		}
	}
	if len(removed) > 0 {
		t.area.notifyLocked(t, Notification{Removed: removed})
	}
	return nil
}

func (t *MemoryTab) Watch(ctx context.Context) (<-chan Notification, error) {
	ch := make(chan Notification, 16)
	t.mu.Lock()
	t.watchers[ch] = ctx
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.mu.Lock()
		delete(t.watchers, ch)
		t.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (t *MemoryTab) deliver(n Notification) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch, ctx := range t.watchers {
		select {
		case ch <- n:
		case <-ctx.Done():
		}
	}
}
