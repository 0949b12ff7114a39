package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Qarib2004/rentcar-sub001/pkg/utils"

	"github.com/redis/go-redis/v9"
)

const (
	fieldPrincipal = "principal_id"
	fieldAccessFP  = "access_fp"
	fieldRefreshFP = "refresh_fp"
	fieldIssuedAt  = "issued_at"
)

// RedisOptions controls key layout, TTL and the change channel of a RedisRegistry.
type RedisOptions struct {
	TTL       time.Duration
	Channel   string
	KeyPrefix string
}

func (o RedisOptions) withDefaults() RedisOptions {
	out := o
	if out.TTL <= 0 {
		out.TTL = 7 * 24 * time.Hour
	}
	if out.Channel == "" {
		out.Channel = "rentcar:session-events"
	}
	if out.KeyPrefix == "" {
		out.KeyPrefix = "session:"
	}
	return out
}

// RedisRegistry stores one hash per principal with a TTL and publishes every write.
type RedisRegistry struct {
	rdb   *redis.Client
	opts  RedisOptions
	clock func() time.Time
}

func NewRedisRegistry(rdb *redis.Client, opts RedisOptions) *RedisRegistry {
	return &RedisRegistry{rdb: rdb, opts: opts.withDefaults(), clock: time.Now}
}

func (r *RedisRegistry) key(principalID string) string {
	return r.opts.KeyPrefix + principalID
}

func (r *RedisRegistry) RecordSession(ctx context.Context, rec Record) error {
	if err := rec.validate(); err != nil {
		return err
	}
	msg, err := json.Marshal(Change{Kind: ChangeRecorded, PrincipalID: rec.PrincipalID, AccessFingerprint: rec.AccessFingerprint, At: r.clock().UTC()})
	if err != nil {
		return err
	}

	key := r.key(rec.PrincipalID)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, key)
		p.HSet(ctx, key, recordFields(rec))
		p.PExpire(ctx, key, r.opts.TTL)
		p.Publish(ctx, r.opts.Channel, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Validate(ctx context.Context, principalID, accessToken string) (bool, error) {
	fp, err := r.rdb.HGet(ctx, r.key(principalID), fieldAccessFP).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("validate session: %w", err)
	}
	return fingerprintMatches(fp, accessToken), nil
}

func (r *RedisRegistry) Rotate(ctx context.Context, principalID, refreshToken string, next Record) error {
	if err := next.validate(); err != nil {
		return err
	}
	if next.PrincipalID != principalID {
		return ErrInvalidRecord
	}
	msg, err := json.Marshal(Change{Kind: ChangeRotated, PrincipalID: principalID, AccessFingerprint: next.AccessFingerprint, At: r.clock().UTC()})
	if err != nil {
		return err
	}

	fields := make(map[string]string, 4)
	for k, v := range recordFields(next) {
		fields[k] = fmt.Sprint(v)
	}

	res, err := utils.SwapHashIfField(ctx, r.rdb, utils.HashSwap{
		Key:      r.key(principalID),
		Field:    fieldRefreshFP,
		Expected: Fingerprint(refreshToken),
		Fields:   fields,
		TTL:      r.opts.TTL,
		Channel:  r.opts.Channel,
		Message:  string(msg),
	})
	if err != nil {
		return fmt.Errorf("rotate session: %w", err)
	}
	switch res {
	case utils.SwapApplied:
		return nil
	case utils.SwapMissing:
		return ErrNotFound
	default:
		return ErrSuperseded
	}
}

func (r *RedisRegistry) Revoke(ctx context.Context, principalID string) error {
	msg, err := json.Marshal(Change{Kind: ChangeRevoked, PrincipalID: principalID, At: r.clock().UTC()})
	if err != nil {
		return err
	}
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, r.key(principalID))
		p.Publish(ctx, r.opts.Channel, msg)
		return nil
	})
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, principalID string) (Record, error) {
	m, err := r.rdb.HGetAll(ctx, r.key(principalID)).Result()
	if err != nil {
		return Record{}, fmt.Errorf("get session: %w", err)
	}
	if len(m) == 0 {
		return Record{}, ErrNotFound
	}
	rec := Record{
		PrincipalID:        m[fieldPrincipal],
		AccessFingerprint:  m[fieldAccessFP],
		RefreshFingerprint: m[fieldRefreshFP],
	}
	if v := m[fieldIssuedAt]; v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return Record{}, fmt.Errorf("get session: issued_at: %w", err)
		}
		rec.IssuedAt = ts
	}
	return rec, nil
}

// Watch subscribes to the change channel. The subscription is confirmed before Watch returns,
// so writes made after Watch are never missed.
func (r *RedisRegistry) Watch(ctx context.Context) (<-chan Change, error) {
	sub := r.rdb.Subscribe(ctx, r.opts.Channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("watch sessions: %w", err)
	}

	out := make(chan Change, 64)
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
				var c Change
				if err := json.Unmarshal([]byte(m.Payload), &c); err != nil {
					continue
				}
				select {
				case out <- c:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func recordFields(rec Record) map[string]any {
	return map[string]any{
		fieldPrincipal: rec.PrincipalID,
		fieldAccessFP:  rec.AccessFingerprint,
		fieldRefreshFP: rec.RefreshFingerprint,
		fieldIssuedAt:  rec.IssuedAt.UTC().Format(time.RFC3339Nano),
	}
}
