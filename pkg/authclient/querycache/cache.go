// Package querycache holds application data fetched on behalf of the signed-in principal.
// It is purged whenever the principal changes or signs out.
package querycache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto/v2"
)

type Options struct {
	NumCounters int64
	// MaxCost bounds the total size of cached values in bytes.
	MaxCost int64
	// TTL is the lifetime of one entry. Zero keeps entries until evicted or purged.
	TTL time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxCost <= 0 {
		out.MaxCost = 8 << 20
	}
	if out.NumCounters <= 0 {
		out.NumCounters = 10_000
	}
	return out
}

// Cache is a byte cache keyed by request path. Writes are visible to Get immediately.
type Cache struct {
	c   *ristretto.Cache[string, []byte]
	ttl time.Duration
	gen atomic.Uint64
}

func New(opts Options) (*Cache, error) {
	opts = opts.withDefaults()
	c, err := ristretto.NewCache(&ristretto.Config[string, []byte]{
		NumCounters: opts.NumCounters,
		MaxCost:     opts.MaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("querycache: %w", err)
	}
	return &Cache{c: c, ttl: opts.TTL}, nil
}

func (c *Cache) Get(key string) ([]byte, bool) {
	return c.c.Get(key)
}

// Generation changes on every Purge. Callers compare it around a fetch so that data read
// before a sign-out is not cached after it.
func (c *Cache) Generation() uint64 { return c.gen.Load() }

// Set stores value when gen is still current. It reports whether the value was stored.
func (c *Cache) Set(gen uint64, key string, value []byte) bool {
	if gen != c.gen.Load() {
		return false
	}
	ok := c.c.SetWithTTL(key, value, int64(len(value))+int64(len(key)), c.ttl)
	c.c.Wait()
	return ok
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.gen.Add(1)
	c.c.Clear()
	c.c.Wait()
}

func (c *Cache) Close() { c.c.Close() }
