package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

var limiterDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limiter_decisions_total",
	Help: "Token bucket decisions per scope: allowed, limited, or error (request let through).",
}, []string{"scope", "decision"})

// RateLimiter throttles one route per caller. The bucket lives in Redis so all
// replicas draw from the same budget.
type RateLimiter struct {
	client redis.Cmdable
	scope  string
	cfg    RateConfig
	bucket *redis.Script
	now    func() time.Time
}

// NewRateLimiter returns nil without a Redis client; a nil limiter lets every
// request through.
func NewRateLimiter(client redis.Cmdable, scope string, cfg RateConfig) *RateLimiter {
	if client == nil {
		return nil
	}
	if scope == "" {
		scope = "default"
	}
	return &RateLimiter{client: client, scope: scope, cfg: cfg, bucket: redis.NewScript(takeTokenLua), now: time.Now}
}

// Middleware answers 429 with Retry-After once the caller's bucket is empty. Redis
// errors let the request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil || l.cfg.Rate <= 0 || l.cfg.Burst <= 0 {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wait, err := l.take(r.Context(), callerID(r))
		switch {
		case err != nil:
			limiterDecisions.WithLabelValues(l.scope, "error").Inc()
		case wait > 0:
			limiterDecisions.WithLabelValues(l.scope, "limited").Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		default:
			limiterDecisions.WithLabelValues(l.scope, "allowed").Inc()
		}
		next.ServeHTTP(w, r)
	})
}

// take removes one token and returns zero, or returns how long until one is available.
func (l *RateLimiter) take(ctx context.Context, caller string) (time.Duration, error) {
	key := fmt.Sprintf("rl:%s:%s", l.scope, caller)
	reply, err := l.bucket.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), l.cfg.Rate, l.cfg.Burst).Int64Slice()
	if err != nil {
		return 0, fmt.Errorf("token bucket %s: %w", key, err)
	}
	if len(reply) != 2 {
		return 0, fmt.Errorf("token bucket %s: unexpected reply %v", key, reply)
	}
	if reply[0] == 1 {
		return 0, nil
	}
	return time.Duration(reply[1]) * time.Millisecond, nil
}

// callerID is the network origin of the request. Headers the client sets never pick
// the bucket; routers behind a proxy install chi's RealIP ahead of the limiter.
func callerID(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func retryAfterSeconds(d time.Duration) string {
	secs := int64((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.FormatInt(secs, 10)
}

// takeTokenLua refills the bucket for the elapsed time, then takes one token.
// Replies {1, 0} when allowed, {0, wait_ms} otherwise. Integers only: Redis
// truncates Lua numbers in replies.
const takeTokenLua = `
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

local elapsed = math.max(0, now - ts)
tokens = math.min(burst, tokens + elapsed * rate / 1000)

local reply
if tokens >= 1 then
  tokens = tokens - 1
  reply = {1, 0}
else
  reply = {0, math.ceil((1 - tokens) * 1000 / rate)}
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(now))
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate))
return reply
`
