package utils

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig controls redis client behavior.
// Keep it config-driven; defaults should be safe and conservative.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int

	// Basic timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Pool tuning
	PoolSize        int
	MinIdleConns    int
	PoolTimeout     time.Duration
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration

	PingTimeout time.Duration
}

func (c RedisConfig) withDefaults() RedisConfig {
	out := c
	if out.DialTimeout <= 0 {
		out.DialTimeout = 3 * time.Second
	}
	if out.ReadTimeout <= 0 {
		out.ReadTimeout = 2 * time.Second
	}
	if out.WriteTimeout <= 0 {
		out.WriteTimeout = 2 * time.Second
	}
	if out.PoolSize <= 0 {
		out.PoolSize = 20
	}
	if out.MinIdleConns < 0 {
		out.MinIdleConns = 0
	}
	if out.PoolTimeout <= 0 {
		out.PoolTimeout = 4 * time.Second
	}
	if out.ConnMaxIdleTime <= 0 {
		out.ConnMaxIdleTime = 5 * time.Minute
	}
	if out.ConnMaxLifetime <= 0 {
		out.ConnMaxLifetime = 30 * time.Minute
	}
	if out.PingTimeout <= 0 {
		out.PingTimeout = 2 * time.Second
	}
	return out
}

// OpenRedis initializes a Redis client and validates connectivity via PING.
func OpenRedis(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	cfg = cfg.withDefaults()
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		DB:              cfg.DB,
		DialTimeout:     cfg.DialTimeout,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		PoolTimeout:     cfg.PoolTimeout,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
	})

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return rdb, nil
}

var swapHashScript = redis.NewScript(`
-- KEYS[1] = hash key
-- ARGV[1] = guarded field
-- ARGV[2] = expected value of the guarded field
-- ARGV[3] = ttl_ms (int)
-- ARGV[4] = pub/sub channel ('' to skip publishing)
-- ARGV[5] = message
-- ARGV[6..] = field, value pairs of the replacement hash
--
-- Returns:
--  1 if replaced
--  0 if the key does not exist
-- -1 if the guarded field did not match
local current = redis.call('HGET', KEYS[1], ARGV[1])
if not current then
  return 0
end
if current ~= ARGV[2] then
  return -1
end

redis.call('DEL', KEYS[1])
for i = 6, #ARGV, 2 do
  redis.call('HSET', KEYS[1], ARGV[i], ARGV[i + 1])
end
redis.call('PEXPIRE', KEYS[1], ARGV[3])

if ARGV[4] ~= '' then
  redis.call('PUBLISH', ARGV[4], ARGV[5])
end
return 1
`)

// SwapResult is the outcome of SwapHashIfField.
type SwapResult int

const (
	SwapMissing  SwapResult = 0
	SwapApplied  SwapResult = 1
	SwapMismatch SwapResult = -1
)

// HashSwap describes a guarded replacement of a Redis hash.
type HashSwap struct {
	Key      string
	Field    string
	Expected string
	Fields   map[string]string
	TTL      time.Duration

	// Channel and Message are published in the same script when Channel is set.
	Channel string
	Message string
}

// SwapHashIfField replaces the hash at s.Key with s.Fields when s.Field currently equals s.Expected.
//
// Safety properties:
// - Compare, replace, expire and publish run atomically in one Lua script.
// - Concurrent swaps presenting the same expected value: exactly one is applied.
func SwapHashIfField(ctx context.Context, rdb redis.Scripter, s HashSwap) (SwapResult, error) {
	if rdb == nil {
		return SwapMissing, fmt.Errorf("redis client is nil")
	}
	if s.Key == "" || s.Field == "" {
		return SwapMissing, fmt.Errorf("key and field are required")
	}
	if s.TTL <= 0 {
		return SwapMissing, fmt.Errorf("ttl must be > 0")
	}

	names := make([]string, 0, len(s.Fields))
	for k := range s.Fields {
		names = append(names, k)
	}
	sort.Strings(names)

	args := []any{s.Field, s.Expected, s.TTL.Milliseconds(), s.Channel, s.Message}
	for _, k := range names {
		args = append(args, k, s.Fields[k])
	}

	res, err := swapHashScript.Run(ctx, rdb, []string{s.Key}, args...).Int()
	if err != nil {
		return SwapMissing, err
	}
	return SwapResult(res), nil
}
