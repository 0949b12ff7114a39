package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type registryFactory func(t *testing.T) Registry

func registries() map[string]registryFactory {
	return map[string]registryFactory{
		"memory": func(t *testing.T) Registry {
			return NewMemoryRegistry(time.Hour)
		},
		"redis": func(t *testing.T) Registry {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisRegistry(rdb, RedisOptions{TTL: time.Hour})
		},
	}
}

func TestFingerprint(t *testing.T) {
	require.Empty(t, Fingerprint(""))
	require.Len(t, Fingerprint("abc"), 64)
	require.Equal(t, Fingerprint("abc"), Fingerprint("abc"))
	require.NotEqual(t, Fingerprint("abc"), Fingerprint("abd"))
}

func TestRegistry_ValidateRequiresRecord(t *testing.T) {
	for name, mk := range registries() {
		t.Run(name, func(t *testing.T) {
			reg := mk(t)
			ok, err := reg.Validate(context.Background(), "user-1", "access-a")
			require.NoError(t, err)
			require.False(t, ok)

			_, err = reg.Get(context.Background(), "user-1")
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRegistry_LatestLoginSupersedes(t *testing.T) {
	for name, mk := range registries() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := mk(t)
			now := time.Unix(1700000000, 0).UTC()

			require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-a", "refresh-a", now)))
			ok, err := reg.Validate(ctx, "user-1", "access-a")
			require.NoError(t, err)
			require.True(t, ok)

			require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-b", "refresh-b", now.Add(time.Second))))

			ok, err = reg.Validate(ctx, "user-1", "access-a")
			require.NoError(t, err)
			require.False(t, ok, "older session's access token must be rejected")

			ok, err = reg.Validate(ctx, "user-1", "access-b")
			require.NoError(t, err)
			require.True(t, ok)

			rec, err := reg.Get(ctx, "user-1")
			require.NoError(t, err)
			require.Equal(t, Fingerprint("refresh-b"), rec.RefreshFingerprint)
			require.Equal(t, now.Add(time.Second), rec.IssuedAt)
		})
	}
}

func TestRegistry_RotateIsSingleUse(t *testing.T) {
	for name, mk := range registries() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := mk(t)
			now := time.Now()

			require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-a", "refresh-a", now)))

			require.NoError(t, reg.Rotate(ctx, "user-1", "refresh-a", NewRecord("user-1", "access-b", "refresh-b", now)))

			err := reg.Rotate(ctx, "user-1", "refresh-a", NewRecord("user-1", "access-c", "refresh-c", now))
			require.ErrorIs(t, err, ErrSuperseded)

			ok, err := reg.Validate(ctx, "user-1", "access-b")
			require.NoError(t, err)
			require.True(t, ok)
		})
	}
}

func TestRegistry_ConcurrentRotateOnlyOneWins(t *testing.T) {
	for name, mk := range registries() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := mk(t)
			require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-a", "refresh-a", time.Now())))

			const n = 8
			var wg sync.WaitGroup
			errs := make(chan error, n)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					next := NewRecord("user-1", "access-"+string(rune('b'+i)), "refresh-"+string(rune('b'+i)), time.Now())
					errs <- reg.Rotate(ctx, "user-1", "refresh-a", next)
				}(i)
			}
			wg.Wait()
			close(errs)

			wins := 0
			for err := range errs {
				if err == nil {
					wins++
					continue
				}
				require.ErrorIs(t, err, ErrSuperseded)
			}
			require.Equal(t, 1, wins)
		})
	}
}

func TestRegistry_RevokeIsIdempotent(t *testing.T) {
	for name, mk := range registries() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			reg := mk(t)
			require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-a", "refresh-a", time.Now())))

			require.NoError(t, reg.Revoke(ctx, "user-1"))
			require.NoError(t, reg.Revoke(ctx, "user-1"))

			ok, err := reg.Validate(ctx, "user-1", "access-a")
			require.NoError(t, err)
			require.False(t, ok)

			err = reg.Rotate(ctx, "user-1", "refresh-a", NewRecord("user-1", "access-b", "refresh-b", time.Now()))
			require.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestRegistry_RejectsInvalidRecords(t *testing.T) {
	for name, mk := range registries() {
		t.Run(name, func(t *testing.T) {
			reg := mk(t)
			err := reg.RecordSession(context.Background(), Record{PrincipalID: "user-1"})
			require.ErrorIs(t, err, ErrInvalidRecord)

			err = reg.Rotate(context.Background(), "user-1", "r", NewRecord("user-2", "a", "r", time.Now()))
			require.ErrorIs(t, err, ErrInvalidRecord)
		})
	}
}

func TestRegistry_WatchStreamsChanges(t *testing.T) {
	for name, mk := range registries() {
		t.Run(name, func(t *testing.T) {
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			reg := mk(t)

			changes, err := reg.Watch(ctx)
			require.NoError(t, err)

			require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-a", "refresh-a", time.Now())))
			require.NoError(t, reg.Rotate(ctx, "user-1", "refresh-a", NewRecord("user-1", "access-b", "refresh-b", time.Now())))
			require.NoError(t, reg.Revoke(ctx, "user-1"))

			want := []Change{
				{Kind: ChangeRecorded, PrincipalID: "user-1", AccessFingerprint: Fingerprint("access-a")},
				{Kind: ChangeRotated, PrincipalID: "user-1", AccessFingerprint: Fingerprint("access-b")},
				{Kind: ChangeRevoked, PrincipalID: "user-1"},
			}
			for _, w := range want {
				select {
				case got := <-changes:
					require.Equal(t, w.Kind, got.Kind)
					require.Equal(t, w.PrincipalID, got.PrincipalID)
					require.Equal(t, w.AccessFingerprint, got.AccessFingerprint)
				case <-time.After(2 * time.Second):
					t.Fatalf("timed out waiting for %s", w.Kind)
				}
			}
		})
	}
}

func TestMemoryRegistry_RecordsExpire(t *testing.T) {
	now := time.Unix(1700000000, 0)
	reg := NewMemoryRegistry(time.Minute).WithClock(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-a", "refresh-a", now)))
	now = now.Add(2 * time.Minute)

	ok, err := reg.Validate(ctx, "user-1", "access-a")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestRedisRegistry_RecordsCarryTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	reg := NewRedisRegistry(rdb, RedisOptions{TTL: time.Minute})
	ctx := context.Background()

	require.NoError(t, reg.RecordSession(ctx, NewRecord("user-1", "access-a", "refresh-a", time.Now())))
	require.Equal(t, time.Minute, mr.TTL("session:user-1"))

	mr.FastForward(2 * time.Minute)
	ok, err := reg.Validate(ctx, "user-1", "access-a")
	require.NoError(t, err)
	require.False(t, ok)
}
