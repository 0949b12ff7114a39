package credstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Qarib2004/rentcar-sub001/pkg/logger"
)

// Pair is a credential pair. Empty strings mean "absent".
type Pair struct {
	Access  string
	Refresh string
}

func (p Pair) Empty() bool { return p.Access == "" && p.Refresh == "" }

// Change is delivered to OnChange listeners.
type Change struct {
	Pair Pair
	// Remote is true when another tab made the change.
	Remote bool
}

// Options configures a Store. Zero values take defaults.
type Options struct {
	// Secret seeds the obfuscation keystream.
	Secret      string
	LoadTimeout time.Duration
	Logger      *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.Secret == "" {
		out.Secret = "rentcar-web"
	}
	if out.LoadTimeout <= 0 {
		out.LoadTimeout = 2 * time.Second
	}
	out.Logger = logger.OrNop(out.Logger)
	return out
}

// Store is the in-process credential cache. All methods are safe for concurrent use.
type Store struct {
	backend Backend
	codec   codec
	opts    Options

	mu     sync.RWMutex
	pair   Pair
	loaded bool

	lmu       sync.Mutex
	listeners map[int]func(Change)
	nextID    int
}

func New(backend Backend, opts Options) *Store {
	opts = opts.withDefaults()
	return &Store{
		backend:   backend,
		codec:     newCodec(opts.Secret),
		opts:      opts,
		listeners: make(map[int]func(Change)),
	}
}

// Load refills the cache from the backend. Called implicitly on the first read; later
// calls pick up other tabs' writes that the sync loop has not applied yet.
func (s *Store) Load(ctx context.Context) error {
	s.mu.Lock()
	before, warm := s.pair, s.loaded
	err := s.loadLocked(ctx)
	after := s.pair
	s.mu.Unlock()
	if err == nil && warm && after != before {
		s.emit(Change{Pair: after, Remote: true})
	}
	return err
}

func (s *Store) loadLocked(ctx context.Context) error {
	access, err := s.read(ctx, KeyAccess)
	if err != nil {
		return err
	}
	refresh, err := s.read(ctx, KeyRefresh)
	if err != nil {
		return err
	}
	s.pair = Pair{Access: access, Refresh: refresh}
	s.loaded = true
	return nil
}

func (s *Store) read(ctx context.Context, key string) (string, error) {
	raw, ok, err := s.backend.Load(ctx, key)
	if err != nil {
		return "", fmt.Errorf("credstore: load %s: %w", key, err)
	}
	if !ok {
		return "", nil
	}
	v, err := s.codec.decode(key, raw)
	if err != nil {
		// A corrupt value is treated as absent.
		s.opts.Logger.Warn("credstore: dropping undecodable value", "key", key)
		return "", nil
	}
	return v, nil
}

// Pair returns the cached pair, reading the backend once on cold start.
func (s *Store) Pair() Pair {
	s.mu.RLock()
	if s.loaded {
		p := s.pair
		s.mu.RUnlock()
		return p
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		ctx, cancel := context.WithTimeout(context.Background(), s.opts.LoadTimeout)
		defer cancel()
		if err := s.loadLocked(ctx); err != nil {
			s.opts.Logger.Warn("credstore: cold start load failed", "err", err)
		}
	}
	return s.pair
}

func (s *Store) Access() string  { return s.Pair().Access }
func (s *Store) Refresh() string { return s.Pair().Refresh }

// SetPair replaces both credentials. The cache is updated even when persisting fails.
func (s *Store) SetPair(ctx context.Context, access, refresh string) error {
	p := Pair{Access: access, Refresh: refresh}
	s.mu.Lock()
	s.pair = p
	s.loaded = true
	s.mu.Unlock()
	s.emit(Change{Pair: p})

	err := s.backend.Save(ctx, map[string]string{
		KeyAccess:  s.codec.encode(KeyAccess, access),
		KeyRefresh: s.codec.encode(KeyRefresh, refresh),
	})
	if err != nil {
		return fmt.Errorf("credstore: persist pair: %w", err)
	}
	return nil
}

// SetPairIf replaces both credentials only while the cached refresh credential is still
// expected. It reports whether the pair was replaced.
func (s *Store) SetPairIf(ctx context.Context, expected, access, refresh string) (bool, error) {
	p := Pair{Access: access, Refresh: refresh}
	s.mu.Lock()
	if !s.current(ctx, expected) {
		s.mu.Unlock()
		return false, nil
	}
	s.pair = p
	s.mu.Unlock()
	s.emit(Change{Pair: p})

	err := s.backend.Save(ctx, map[string]string{
		KeyAccess:  s.codec.encode(KeyAccess, access),
		KeyRefresh: s.codec.encode(KeyRefresh, refresh),
	})
	if err != nil {
		return true, fmt.Errorf("credstore: persist pair: %w", err)
	}
	return true, nil
}

// ClearIf forgets both credentials only while the cached refresh credential is still
// expected. It reports whether they were cleared.
func (s *Store) ClearIf(ctx context.Context, expected string) (bool, error) {
	s.mu.Lock()
	if !s.current(ctx, expected) {
		s.mu.Unlock()
		return false, nil
	}
	wasEmpty := s.pair.Empty()
	s.pair = Pair{}
	s.mu.Unlock()
	if !wasEmpty {
		s.emit(Change{})
	}

	if err := s.backend.Remove(ctx, KeyAccess, KeyRefresh); err != nil {
		return true, fmt.Errorf("credstore: remove: %w", err)
	}
	return true, nil
}

// current loads a cold cache and compares the refresh credential. Caller holds s.mu.
func (s *Store) current(ctx context.Context, expected string) bool {
	if !s.loaded {
		if err := s.loadLocked(ctx); err != nil {
			s.opts.Logger.Warn("credstore: load before compare failed", "err", err)
		}
		s.loaded = true
	}
	return s.pair.Refresh == expected
}

// UpdateAccess replaces the access credential only.
func (s *Store) UpdateAccess(ctx context.Context, access string) error {
	s.mu.Lock()
	if !s.loaded {
		if err := s.loadLocked(ctx); err != nil {
			s.opts.Logger.Warn("credstore: load before update failed", "err", err)
		}
	}
	s.pair.Access = access
	s.loaded = true
	p := s.pair
	s.mu.Unlock()
	s.emit(Change{Pair: p})

	if err := s.backend.Save(ctx, map[string]string{KeyAccess: s.codec.encode(KeyAccess, access)}); err != nil {
		return fmt.Errorf("credstore: persist access: %w", err)
	}
	return nil
}

// Clear forgets both credentials. Idempotent and safe to call concurrently.
func (s *Store) Clear(ctx context.Context) error {
	s.mu.Lock()
	wasEmpty := s.loaded && s.pair.Empty()
	s.pair = Pair{}
	s.loaded = true
	s.mu.Unlock()
	if !wasEmpty {
		s.emit(Change{})
	}

	if err := s.backend.Remove(ctx, KeyAccess, KeyRefresh); err != nil {
		return fmt.Errorf("credstore: remove: %w", err)
	}
	return nil
}

// OnChange registers fn for every cache change. The returned func unregisters it.
func (s *Store) OnChange(fn func(Change)) (cancel func()) {
	s.lmu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.lmu.Lock()
			delete(s.listeners, id)
			s.lmu.Unlock()
		})
	}
}

func (s *Store) emit(c Change) {
	s.lmu.Lock()
	fns := make([]func(Change), 0, len(s.listeners))
	for _, fn := range s.listeners {
		fns = append(fns, fn)
	}
	s.lmu.Unlock()

	for _, fn := range fns {
		fn(c)
	}
}

// Sync applies other tabs' writes to the cache until ctx is done. It never calls the API.
func (s *Store) Sync(ctx context.Context) error {
	done, err := s.StartSync(ctx)
	if err != nil {
		return err
	}
	return <-done
}

// StartSync subscribes before returning and applies notifications in the background.
// The returned channel yields the loop's result once ctx is done or the feed fails.
func (s *Store) StartSync(ctx context.Context) (<-chan error, error) {
	notes, err := s.backend.Watch(ctx)
	if err != nil {
		return nil, fmt.Errorf("credstore: watch: %w", err)
	}

	done := make(chan error, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				done <- nil
				return
			case n, ok := <-notes:
				if !ok {
					if ctx.Err() != nil {
						done <- nil
						return
					}
					done <- errors.New("credstore: notification feed closed")
					return
				}
				s.apply(n)
			}
		}
	}()
	return done, nil
}

func (s *Store) apply(n Notification) {
	s.mu.Lock()
	before := s.pair
	for k, raw := range n.Values {
		v, err := s.codec.decode(k, raw)
		if err != nil {
			s.opts.Logger.Warn("credstore: dropping undecodable notification", "key", k)
			continue
		}
		s.set(k, v)
	}
	for _, k := range n.Removed {
		s.set(k, "")
	}
	s.loaded = true
	after := s.pair
	s.mu.Unlock()

	if after != before {
		s.emit(Change{Pair: after, Remote: true})
	}
}

func (s *Store) set(key, v string) {
	switch key {
	case KeyAccess:
		s.pair.Access = v
	case KeyRefresh:
		s.pair.Refresh = v
	}
}
