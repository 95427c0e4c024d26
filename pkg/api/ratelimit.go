package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// HeaderAgentID identifies the calling agent for rate limiting.
const HeaderAgentID = "X-Agent-ID"

// LimiterStore decides whether a client may spend cost tokens now.
type LimiterStore interface {
	Allow(ctx context.Context, clientID string, cost int) (bool, error)
}

// RatePolicy is a token bucket: RPS refill with Burst capacity.
type RatePolicy struct {
	RPS   float64
	Burst int
}

// RetryAfter is the advertised back-off for a rejected request.
func (p RatePolicy) RetryAfter() int {
	if p.RPS <= 0 {
		return 1
	}
	secs := int(1 / p.RPS)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// MemoryLimiter manages per-client limiters in process.
type MemoryLimiter struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	policy   RatePolicy
	idleTTL  time.Duration
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewMemoryLimiter creates a per-client limiter. Call Run to evict idle clients.
func NewMemoryLimiter(policy RatePolicy) *MemoryLimiter {
	return &MemoryLimiter{
		visitors: make(map[string]*visitor),
		policy:   policy,
		idleTTL:  3 * time.Minute,
	}
}

// Allow implements LimiterStore.
func (l *MemoryLimiter) Allow(_ context.Context, clientID string, cost int) (bool, error) {
	l.mu.Lock()
	v, ok := l.visitors[clientID]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rate.Limit(l.policy.RPS), l.policy.Burst)}
		l.visitors[clientID] = v
	}
	v.lastSeen = time.Now()
	l.mu.Unlock()
	return v.limiter.AllowN(time.Now(), cost), nil
}

// Run evicts idle clients every minute until ctx is done.
func (l *MemoryLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			l.evictIdle(now)
		}
	}
}

func (l *MemoryLimiter) evictIdle(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id, v := range l.visitors {
		if now.Sub(v.lastSeen) > l.idleTTL {
			delete(l.visitors, id)
		}
	}
}

// redisTokenBucketScript handles the token bucket algorithm atomically in Redis.
// KEYS[1] = bucket key
// ARGV[1] = refill rate (tokens per second)
// ARGV[2] = capacity (max tokens)
// ARGV[3] = cost (tokens to consume)
// ARGV[4] = current unix timestamp (seconds, microsecond precision)
var redisTokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local rate = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local cost = tonumber(ARGV[3])
local now = tonumber(ARGV[4])

local state = redis.call("HMGET", key, "tokens", "last_refill")
local tokens = tonumber(state[1])
local last_refill = tonumber(state[2])

if not tokens or not last_refill then
    tokens = capacity
    last_refill = now
end

local elapsed = now - last_refill
if elapsed > 0 then
    tokens = math.min(capacity, tokens + elapsed * rate)
    last_refill = now
end

local allowed = 0
if tokens >= cost then
    tokens = tokens - cost
    allowed = 1
end

redis.call("HSET", key, "tokens", tokens, "last_refill", last_refill)
redis.call("EXPIRE", key, 60)

return {allowed, tokens}
`)

// RedisLimiter shares token buckets across replicas.
type RedisLimiter struct {
	client redis.UniversalClient
	policy RatePolicy
	prefix string
}

// NewRedisLimiter creates a limiter backed by client.
func NewRedisLimiter(client redis.UniversalClient, policy RatePolicy) *RedisLimiter {
	return &RedisLimiter{client: client, policy: policy, prefix: "helm-pay:limiter:"}
}

// Allow executes the Lua script to check and update the token bucket.
func (s *RedisLimiter) Allow(ctx context.Context, clientID string, cost int) (bool, error) {
	rps := s.policy.RPS
	if rps <= 0 {
		rps = 1
	}
	now := float64(time.Now().UnixMicro()) / 1e6

	res, err := redisTokenBucketScript.Run(ctx, s.client, []string{s.prefix + clientID}, rps, s.policy.Burst, cost, now).Result()
	if err != nil {
		return false, fmt.Errorf("redis limiter: %w", err)
	}
	results, ok := res.([]interface{})
	if !ok || len(results) != 2 {
		return false, fmt.Errorf("redis limiter: unexpected script result %T", res)
	}
	allowed, _ := results[0].(int64)
	return allowed == 1, nil
}

// RateLimitMiddleware enforces per-client limits. Clients are keyed by
// X-Agent-ID, falling back to the remote IP. Limiter errors fail open.
func RateLimitMiddleware(store LimiterStore, policy RatePolicy) func(http.Handler) http.Handler {
	logger := slog.Default().With("component", "rate_limit")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil {
				next.ServeHTTP(w, r)
				return
			}
			allowed, err := store.Allow(r.Context(), clientID(r), 1)
			if err != nil {
				logger.WarnContext(r.Context(), "rate limiter unavailable", "error", err)
				next.ServeHTTP(w, r)
				return
			}
			if !allowed {
				WriteTooManyRequests(w, r, policy.RetryAfter())
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientID(r *http.Request) string {
	if agent := strings.TrimSpace(r.Header.Get(HeaderAgentID)); agent != "" {
		return "agent:" + agent
	}
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return "ip:" + ip
}
