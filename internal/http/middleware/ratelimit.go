package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	ScopeQuery   = "query"
	ScopeBooking = "booking"
)

var rejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "http_rate_limited_total",
	Help: "Requests rejected by the rate limiter, by scope.",
}, []string{"scope"})

// RateConfig is a token bucket: Rate tokens per second up to Burst.
type RateConfig struct {
	Rate  float64
	Burst float64
}

func (c RateConfig) enabled() bool { return c.Rate > 0 && c.Burst > 0 }

// withDefaultBurst lets a rate without a burst admit one second of traffic.
func (c RateConfig) withDefaultBurst() RateConfig {
	if c.Rate > 0 && c.Burst <= 0 {
		c.Burst = max(c.Rate, 1)
	}
	return c
}

// RateLimiter throttles availability queries and booking writes per client.
// Buckets live in Redis so every replica draws from the same budget.
type RateLimiter struct {
	client redis.Cmdable
	scopes map[string]RateConfig
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// NewRateLimiter returns nil when client is nil; a nil limiter passes every request.
func NewRateLimiter(client redis.Cmdable, query RateConfig, write RateConfig, logger *zap.Logger) *RateLimiter {
	if client == nil {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		client: client,
		scopes: map[string]RateConfig{ScopeQuery: query.withDefaultBurst(), ScopeBooking: write.withDefaultBurst()},
		prefix: "rl:fleetslot",
		logger: logger,
		now:    time.Now,
	}
}

// Middleware rejects requests over budget with 429 and a Retry-After header.
// Redis failures let the request through.
func (l *RateLimiter) Middleware(next http.Handler) http.Handler {
	if l == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		scope := scopeOf(r)
		cfg := l.scopes[scope]
		if !cfg.enabled() {
			next.ServeHTTP(w, r)
			return
		}

		wait, err := l.take(r.Context(), scope, clientKey(r), cfg)
		switch {
		case err != nil:
			l.logger.Warn("rate limiter unavailable", zap.String("scope", scope), zap.Error(err))
		case wait > 0:
			rejectedTotal.WithLabelValues(scope).Inc()
			w.Header().Set("Retry-After", retryAfterSeconds(wait))
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// take removes one token from the bucket and returns how long the caller
// must wait when none was left.
func (l *RateLimiter) take(ctx context.Context, scope, client string, cfg RateConfig) (time.Duration, error) {
	key := l.prefix + ":" + scope + ":" + client
	res, err := bucketScript.Run(ctx, l.client, []string{key}, l.now().UnixMilli(), cfg.Rate, cfg.Burst).Int64Slice()
	if err != nil {
		return 0, err
	}
	if len(res) != 2 {
		return 0, fmt.Errorf("token bucket: unexpected reply %v", res)
	}
	if res[0] == 1 {
		return 0, nil
	}
	wait := time.Duration(res[1]) * time.Millisecond
	if wait <= 0 {
		wait = time.Duration(float64(time.Second) / cfg.Rate)
	}
	return wait, nil
}

func scopeOf(r *http.Request) string {
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return ScopeQuery
	default:
		return ScopeBooking
	}
}

// clientKey prefers an explicit client id, then the first forwarded address,
// then the peer address.
func clientKey(r *http.Request) string {
	if id := strings.TrimSpace(r.Header.Get("X-Client-ID")); id != "" {
		return id
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	if r.RemoteAddr != "" {
		return r.RemoteAddr
	}
	return "anonymous"
}

func retryAfterSeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// bucketScript refills the bucket for the elapsed time, then takes one token.
// Reply: {1, 0} when taken, {0, wait_ms} otherwise.
var bucketScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local burst = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1]) or burst
local ts = tonumber(state[2]) or now

if now > ts then
  tokens = math.min(burst, tokens + (now - ts) * rate / 1000)
  ts = now
end

local taken = 0
local wait = 0
if tokens >= 1 then
  tokens = tokens - 1
  taken = 1
else
  wait = math.ceil((1 - tokens) * 1000 / rate)
end

redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'ts', tostring(ts))
redis.call('PEXPIRE', KEYS[1], math.ceil(burst * 1000 / rate))
return {taken, wait}
`)
