package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// slidingWindow prunes, counts, conditionally records and reports the oldest
// live timestamp in one server-side step, so concurrent processes sharing the
// key see a single critical section. Scores are unix milliseconds.
var slidingWindow = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call('ZREMRANGEBYSCORE', key, '-inf', '(' .. (now - window))
local count = redis.call('ZCARD', key)
local allowed = 0
if count < limit then
  redis.call('ZADD', key, now, ARGV[4])
  count = count + 1
  allowed = 1
end
redis.call('PEXPIRE', key, window)
local first = now
local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
if #oldest > 0 then first = tonumber(oldest[2]) end
return {allowed, count, first}
`)

// Redis is a Limiter shared by every process pointing at the same server.
// Keys expire with their window, so no sweep is needed.
type Redis struct {
	client *redis.Client
	prefix string
	now    func() time.Time
	log    *slog.Logger
}

func NewRedis(redisURL string, log *slog.Logger) (*Redis, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	return &Redis{
		client: redis.NewClient(opt),
		prefix: "ratelimit:",
		now:    time.Now,
		log:    log,
	}, nil
}

var _ Limiter = (*Redis)(nil)

// Check fails open: when Redis cannot be reached the request is admitted and
// the error logged.
func (r *Redis) Check(ctx context.Context, key string, maxRequests int, window time.Duration) Decision {
	now := r.now()
	res, err := slidingWindow.Run(ctx, r.client, []string{r.prefix + key},
		now.UnixMilli(), window.Milliseconds(), maxRequests, uuid.NewString()).Int64Slice()
	if err != nil || len(res) != 3 {
		r.log.Warn("redis rate limiter unavailable, admitting request", "key", key, "error", err)
		return Decision{Allowed: true, Limit: maxRequests, Remaining: maxRequests, ResetAt: now.Add(window)}
	}
	count := int(res[1])
	return Decision{
		Allowed:   res[0] == 1,
		Limit:     maxRequests,
		Remaining: max(0, maxRequests-count),
		ResetAt:   time.UnixMilli(res[2]).Add(window),
	}
}

func (r *Redis) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *Redis) Close() error {
	return r.client.Close()
}
