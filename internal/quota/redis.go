package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/local/submitgate/internal/identity"
)

// KEYS[1] counter; ARGV[1] limit; ARGV[2] window in ms.
// Returns {allowed, remaining, pttl}.
var consumeScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
  ttl = tonumber(ARGV[2])
end
local limit = tonumber(ARGV[1])
if n > limit then
  redis.call('DECR', KEYS[1])
  return {0, 0, ttl}
end
return {1, limit - n, ttl}
`)

// Redis is a Tracker shared by every replica pointing at the same server.
type Redis struct {
	client *redis.Client
	keyNS  string
	limit  int
	window time.Duration
}

// NewRedis connects to redisURL and verifies the connection.
func NewRedis(ctx context.Context, redisURL string, opts Options) (*Redis, error) {
	ro, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	c := redis.NewClient(ro)
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisWithClient(c, opts), nil
}

// NewRedisWithClient wraps an existing client.
func NewRedisWithClient(c *redis.Client, opts Options) *Redis {
	opts.defaults()
	return &Redis{client: c, keyNS: opts.Namespace, limit: opts.Limit, window: opts.Window}
}

func (r *Redis) key(id identity.ClientIdentity) string {
	return fmt.Sprintf("%s:%s", r.keyNS, id)
}

// CheckAndConsume implements Tracker.
func (r *Redis) CheckAndConsume(ctx context.Context, id identity.ClientIdentity) (Decision, error) {
	res, err := consumeScript.Run(ctx, r.client, []string{r.key(id)}, r.limit, r.window.Milliseconds()).Int64Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("quota script: %w", err)
	}
	if len(res) != 3 {
		return Decision{}, fmt.Errorf("quota script: unexpected reply length %d", len(res))
	}
	d := Decision{Allowed: res[0] == 1, Remaining: int(res[1])}
	if !d.Allowed {
		d.RetryAfter = time.Duration(res[2]) * time.Millisecond
	}
	return d, nil
}

// Remaining implements Tracker.
func (r *Redis) Remaining(ctx context.Context, id identity.ClientIdentity) (int, error) {
	n, err := r.client.Get(ctx, r.key(id)).Int()
	if errors.Is(err, redis.Nil) {
		return r.limit, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota get: %w", err)
	}
	if n >= r.limit {
		return 0, nil
	}
	return r.limit - n, nil
}

// Client returns the underlying Redis client.
func (r *Redis) Client() *redis.Client { return r.client }

// Close closes the Redis connection.
func (r *Redis) Close() error { return r.client.Close() }
