package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript applies one fixed-window attempt atomically. The record is a hash
// {start, count} with start in unix milliseconds. The key expires when its
// window ends so idle identifiers do not accumulate.
// Returns [allowed, count, start].
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local start = tonumber(redis.call('HGET', KEYS[1], 'start'))
local count = tonumber(redis.call('HGET', KEYS[1], 'count'))
if start == nil or count == nil or now >= start + window then
    start = now
    count = 0
end
local allowed = 0
if count < limit then
    count = count + 1
    allowed = 1
end
redis.call('HSET', KEYS[1], 'start', start, 'count', count)
redis.call('PEXPIREAT', KEYS[1], start + window)
return {allowed, count, start}
`)

// Redis is a Redis-backed implementation of Store suitable for distributed deployments.
// Every Take runs as a single Lua script, so all instances share one counter per key.
type Redis struct {
	client redis.UniversalClient
	prefix string
}

// RedisConfig holds configuration for Redis connection.
// All fields should be populated explicitly by your application code from
// config files or environment variables. Never reads environment variables directly.
type RedisConfig struct {
	// URL is the Redis server address (e.g., "localhost:6379")
	URL string

	// Password for Redis authentication (optional)
	Password string

	// DB is the Redis database number (default: 0)
	DB int

	// Prefix is prepended to all keys (default: "guard:")
	Prefix string

	// PoolSize is the maximum number of connections (default: 10 * runtime.GOMAXPROCS)
	PoolSize int

	// DialTimeout is the timeout for establishing new connections (default: 5s)
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads (default: 3s)
	ReadTimeout time.Duration
}

// NewRedis creates a Redis store with the given configuration.
// Validates the connection with a ping before returning.
func NewRedis(config RedisConfig) (*Redis, error) {
	opts := &redis.Options{
		Addr:     config.URL,
		Password: config.Password,
		DB:       config.DB,
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	if config.DialTimeout > 0 {
		opts.DialTimeout = config.DialTimeout
	}
	if config.ReadTimeout > 0 {
		opts.ReadTimeout = config.ReadTimeout
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewRedisFromClient(client, config.Prefix), nil
}

// NewRedisFromClient wraps an existing client. The store takes ownership of
// the client and closes it on Close.
func NewRedisFromClient(client redis.UniversalClient, prefix string) *Redis {
	if prefix == "" {
		prefix = "guard:"
	}
	return &Redis{client: client, prefix: prefix}
}

// Take applies one attempt for key using takeScript.
func (r *Redis) Take(ctx context.Context, key string, policy Policy, now time.Time) (Result, error) {
	args := []any{now.UnixMilli(), policy.Window.Milliseconds(), policy.Limit}

	result, err := takeScript.Run(ctx, r.client, []string{r.prefix + key}, args...).Int64Slice()
	if err != nil {
		return Result{}, fmt.Errorf("redis take failed: %w", err)
	}
	if len(result) != 3 {
		return Result{}, fmt.Errorf("unexpected result length: got %d, want 3", len(result))
	}

	return Result{
		Allowed: result[0] == 1,
		Record: Record{
			WindowStart: time.UnixMilli(result[2]),
			Count:       result[1],
		},
	}, nil
}

// Get retrieves the record for key without modifying it.
func (r *Redis) Get(ctx context.Context, key string) (Record, bool, error) {
	vals, err := r.client.HMGet(ctx, r.prefix+key, "start", "count").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Record{}, false, fmt.Errorf("redis get failed: %w", err)
	}
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil {
		return Record{}, false, nil
	}

	start, err := parseRedisInt(vals[0])
	if err != nil {
		return Record{}, false, fmt.Errorf("invalid start field: %w", err)
	}
	count, err := parseRedisInt(vals[1])
	if err != nil {
		return Record{}, false, fmt.Errorf("invalid count field: %w", err)
	}

	return Record{WindowStart: time.UnixMilli(start), Count: count}, true, nil
}

// Reset removes the record for key.
func (r *Redis) Reset(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis reset failed: %w", err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the Redis client connection.
func (r *Redis) Close() error {
	return r.client.Close()
}

func parseRedisInt(v any) (int64, error) {
	switch val := v.(type) {
	case string:
		return strconv.ParseInt(val, 10, 64)
	case int64:
		return val, nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}
