package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kalambet/knowstack/internal/apperr"
)

// slidingWindowScript trims entries older than the window, admits when the
// remaining count is under the limit and records the admission. It returns
// 1 when admitted and 0 when rejected.
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
if redis.call('ZCARD', key) >= limit then
  return 0
end
redis.call('ZADD', key, now, ARGV[4])
redis.call('PEXPIRE', key, window)
return 1
`)

// RedisWindow is the sliding window kept in a Redis sorted set per
// identity, for deployments with more than one API process.
type RedisWindow struct {
	client *redis.Client
	limit  int
	window time.Duration
	prefix string
	now    func() time.Time
}

var _ Limiter = (*RedisWindow)(nil)

// NewRedisWindow parses a redis:// URL and returns a limiter using it.
func NewRedisWindow(redisURL string, limit int, window time.Duration) (*RedisWindow, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindConfig, err, "invalid redis url")
	}
	return NewRedisWindowFromClient(redis.NewClient(opts), limit, window), nil
}

func NewRedisWindowFromClient(client *redis.Client, limit int, window time.Duration) *RedisWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &RedisWindow{client: client, limit: limit, window: window, prefix: "knowstack:ratelimit:", now: time.Now}
}

// Ping checks connectivity.
func (r *RedisWindow) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "redis ping")
	}
	return nil
}

func (r *RedisWindow) Close() error {
	return r.client.Close()
}

// Allow returns apperr.ErrStoreUnavailable when Redis cannot be reached;
// callers decide whether to fail open.
func (r *RedisWindow) Allow(ctx context.Context, identity string) error {
	now := r.now().UnixMilli()
	res, err := slidingWindowScript.Run(ctx, r.client, []string{r.prefix + identity},
		now, r.window.Milliseconds(), r.limit, fmt.Sprintf("%d-%s", now, uuid.NewString())).Int()
	if err != nil {
		return apperr.Wrap(apperr.KindStoreUnavailable, err, "redis rate limit")
	}
	if res == 0 {
		return apperr.New(apperr.KindRateLimited, "rate limit exceeded: %d requests per %s", r.limit, r.window)
	}
	return nil
}
