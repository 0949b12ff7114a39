package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisBackend. Zero values take defaults.
type RedisOptions struct {
	// Namespace scopes keys to one browsing context group (e.g. a device id).
	Namespace string
	// TTL bounds how long an abandoned credential survives in storage.
	TTL time.Duration
}

func (o RedisOptions) withDefaults() RedisOptions {
	out := o
	if out.Namespace == "" {
		out.Namespace = "default"
	}
	if out.TTL <= 0 {
		out.TTL = 12 * time.Hour
	}
	return out
}

// RedisBackend persists credentials in Redis and publishes every write on a per-namespace
// channel. Each backend instance is one tab; its own writes are filtered out of Watch.
type RedisBackend struct {
	rdb    *redis.Client
	opts   RedisOptions
	origin string
}

var _ Backend = (*RedisBackend)(nil)

func NewRedisBackend(rdb *redis.Client, opts RedisOptions) *RedisBackend {
	return &RedisBackend{rdb: rdb, opts: opts.withDefaults(), origin: uuid.NewString()}
}

type redisNote struct {
	Origin  string            `json:"origin"`
	Values  map[string]string `json:"values,omitempty"`
	Removed []string          `json:"removed,omitempty"`
}

func (b *RedisBackend) key(k string) string {
	return "credstore:" + b.opts.Namespace + ":" + k
}

func (b *RedisBackend) channel() string {
	return "credstore:" + b.opts.Namespace + ":events"
}

func (b *RedisBackend) Load(ctx context.Context, key string) (string, bool, error) {
	v, err := b.rdb.Get(ctx, b.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

func (b *RedisBackend) Save(ctx context.Context, values map[string]string) error {
	msg, err := json.Marshal(redisNote{Origin: b.origin, Values: values})
	if err != nil {
		return err
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for k, v := range values {
			p.Set(ctx, b.key(k), v, b.opts.TTL)
		}
		p.Publish(ctx, b.channel(), msg)
		return nil
	})
	return err
}

func (b *RedisBackend) Remove(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	msg, err := json.Marshal(redisNote{Origin: b.origin, Removed: keys})
	if err != nil {
		return err
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = b.key(k)
	}
	_, err = b.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, full...)
		p.Publish(ctx, b.channel(), msg)
		return nil
	})
	return err
}

// Watch subscribes before returning, so writes made after Watch are never missed.
func (b *RedisBackend) Watch(ctx context.Context) (<-chan Notification, error) {
	sub := b.rdb.Subscribe(ctx, b.channel())
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", b.channel(), err)
	}

	out := make(chan Notification, 16)
	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-msgs:
				if !ok {
					return
				}
				var n redisNote
				if err := json.Unmarshal([]byte(m.Payload), &n); err != nil || n.Origin == b.origin {
					continue
				}
				select {
				case out <- Notification{Values: n.Values, Removed: n.Removed}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
