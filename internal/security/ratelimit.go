package security

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var errUnexpectedReply = errors.New("unexpected rate limiter reply")

// RedisTokenBucket is a token bucket shared by every ledger replica through redis.
// Buckets hold Capacity tokens and refill at RefillRate tokens per second.
type RedisTokenBucket struct {
	Redis      redis.UniversalClient
	Prefix     string
	Capacity   int
	RefillRate float64
	Now        func() time.Time
	Logger     *zap.Logger
}

// Decision is the outcome of taking one token.
type Decision struct {
	Allowed   bool
	Remaining int
	// RetryAfter is how long until the next token is available when Allowed is false.
	RetryAfter time.Duration
}

// The script returns {allowed, tokens left} with the token count as a string so
// fractional refills survive the Lua to RESP integer conversion.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill_rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local state = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(state[1]) or capacity
local last = tonumber(state[2]) or now

local elapsed = now - last
if elapsed < 0 then elapsed = 0 end
local filled = tokens + elapsed * refill_rate
if filled > capacity then filled = capacity end

local allowed = 0
if filled >= 1 then
  allowed = 1
  filled = filled - 1
end

redis.call('HSET', key, 'tokens', tostring(filled), 'last', tostring(now))
redis.call('EXPIRE', key, ttl)

return {allowed, tostring(filled)}
`)

func (l *RedisTokenBucket) enabled() bool {
	return l != nil && l.Redis != nil && l.Capacity > 0 && l.RefillRate > 0
}

func (l *RedisTokenBucket) bucketKey(raw string) string {
	if l.Prefix == "" {
		return raw
	}
	return l.Prefix + ":" + raw
}

// Take removes one token from the bucket for key. A bucket without redis, capacity
// or refill rate allows everything.
func (l *RedisTokenBucket) Take(ctx context.Context, key string) (Decision, error) {
	if !l.enabled() {
		return Decision{Allowed: true, Remaining: math.MaxInt32}, nil
	}

	now := time.Now()
	if l.Now != nil {
		now = l.Now()
	}
	seconds := float64(now.UnixNano()) / float64(time.Second)
	ttl := int64(math.Ceil(float64(l.Capacity)/l.RefillRate)) + 1

	vals, err := tokenBucketScript.Run(ctx, l.Redis, []string{l.bucketKey(key)},
		l.Capacity, l.RefillRate, seconds, ttl).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limiter: %w", err)
	}
	if len(vals) != 2 {
		return Decision{}, errUnexpectedReply
	}
	allowed, ok := vals[0].(int64)
	if !ok {
		return Decision{}, errUnexpectedReply
	}
	raw, ok := vals[1].(string)
	if !ok {
		return Decision{}, errUnexpectedReply
	}
	left, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, errUnexpectedReply
	}

	d := Decision{Allowed: allowed == 1, Remaining: int(left)}
	if !d.Allowed {
		d.RetryAfter = time.Duration((1 - left) / l.RefillRate * float64(time.Second))
	}
	return d, nil
}

// ClientIP keys buckets by the remote address of the connection.
func ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// RateLimitMiddleware charges one token per request to the bucket keyFn selects.
// Requests without a key pass through. When redis cannot answer the request is
// refused with 503 rather than admitted unmetered.
func RateLimitMiddleware(l *RedisTokenBucket, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	logger := zap.NewNop()
	if l != nil && l.Logger != nil {
		logger = l.Logger.Named("ratelimit")
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := ""
			if keyFn != nil {
				key = keyFn(r)
			}
			if key == "" || !l.enabled() {
				next.ServeHTTP(w, r)
				return
			}

			d, err := l.Take(r.Context(), key)
			if err != nil {
				logger.Warn("rate limiter unavailable", zap.String("key", key), zap.Error(err))
				WriteJSONError(w, r, http.StatusServiceUnavailable, "rate_limiter_unavailable")
				return
			}
			w.Header().Set("X-RateLimit-Limit", strconv.Itoa(l.Capacity))
			w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			if !d.Allowed {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.RetryAfter.Seconds()))))
				logger.Info("request rate limited", zap.String("key", key), zap.String("path", r.URL.Path))
				WriteJSONError(w, r, http.StatusTooManyRequests, "rate_limited")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
