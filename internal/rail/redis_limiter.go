package rail

import (
	"context"
	"fmt"
	"log"
	"math"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/transfa/custody-service/internal/domain"
)

var railRateLimitScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
local ttl = redis.call("PTTL", KEYS[1])
if ttl < 0 then
  ttl = tonumber(ARGV[1])
end
return {current, ttl}
`)

// Limiter counts calls against a fixed window shared by every replica.
type Limiter interface {
	ConsumeRateLimit(ctx context.Context, scope string, subject string, limit int, window time.Duration) (count int, retryAfterSeconds int, err error)
}

// RedisLimiter implements distributed fixed-window rate limiting using Redis.
type RedisLimiter struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisLimiter(client redis.UniversalClient, prefix string) *RedisLimiter {
	trimmedPrefix := strings.TrimSuffix(strings.TrimSpace(prefix), ":")
	if trimmedPrefix == "" {
		trimmedPrefix = "custody:rate_limit"
	}
	return &RedisLimiter{client: client, prefix: trimmedPrefix}
}

func (r *RedisLimiter) ConsumeRateLimit(
	ctx context.Context,
	scope string,
	subject string,
	limit int,
	window time.Duration,
) (count int, retryAfterSeconds int, err error) {
	if r == nil || r.client == nil || limit <= 0 || window <= 0 {
		return 0, 0, nil
	}

	normalizedScope := strings.TrimSpace(scope)
	normalizedSubject := strings.TrimSpace(subject)
	if normalizedScope == "" || normalizedSubject == "" {
		return 0, 0, nil
	}

	windowMs := window.Milliseconds()
	if windowMs < 1000 {
		windowMs = 1000
	}

	key := fmt.Sprintf("%s:%s:%s", r.prefix, normalizedScope, normalizedSubject)
	rawResult, err := railRateLimitScript.Run(ctx, r.client, []string{key}, windowMs).Result()
	if err != nil {
		return 0, 0, err
	}

	values, ok := rawResult.([]interface{})
	if !ok || len(values) != 2 {
		return 0, 0, fmt.Errorf("unexpected redis limiter response shape: %T", rawResult)
	}
	currentCount, ok := values[0].(int64)
	if !ok {
		return 0, 0, fmt.Errorf("unexpected redis limiter count type: %T", values[0])
	}
	ttlMs, ok := values[1].(int64)
	if !ok {
		return int(currentCount), 0, fmt.Errorf("unexpected redis limiter ttl type: %T", values[1])
	}
	if ttlMs < 0 {
		ttlMs = windowMs
	}

	retryAfter := int(math.Ceil(float64(ttlMs) / 1000.0))
	if retryAfter < 1 {
		retryAfter = 1
	}
	return int(currentCount), retryAfter, nil
}

// RateLimitedAdapter spends one limiter token per provider call. Over-limit calls
// fail as transient errors carrying the window's remaining time, so the observer
// backs off instead of hammering the provider.
type RateLimitedAdapter struct {
	Adapter
	limiter   Limiter
	perMinute int
}

// WithRateLimit wraps adapter; a nil limiter or non-positive budget returns it unchanged.
func WithRateLimit(adapter Adapter, limiter Limiter, perMinute int) Adapter {
	if limiter == nil || perMinute <= 0 {
		return adapter
	}
	return &RateLimitedAdapter{Adapter: adapter, limiter: limiter, perMinute: perMinute}
}

func (r *RateLimitedAdapter) Account() string {
	if scoped, ok := r.Adapter.(AccountScoped); ok {
		return scoped.Account()
	}
	return ""
}

func (r *RateLimitedAdapter) FetchSince(ctx context.Context, cursor domain.CursorState, pageSize int) (Page, error) {
	if err := r.take(ctx, "fetch_since"); err != nil {
		return Page{}, err
	}
	return r.Adapter.FetchSince(ctx, cursor, pageSize)
}

func (r *RateLimitedAdapter) FetchStatus(ctx context.Context, providerTxID string) (domain.ProviderStatus, error) {
	if err := r.take(ctx, "fetch_status"); err != nil {
		return domain.ProviderStatus{ProviderTxID: providerTxID, State: domain.ProviderStateUnknown}, err
	}
	return r.Adapter.FetchStatus(ctx, providerTxID)
}

func (r *RateLimitedAdapter) take(ctx context.Context, op string) error {
	// The budget is shared by every stream of the rail.
	count, retryAfter, err := r.limiter.ConsumeRateLimit(ctx, "rail", r.Adapter.Rail(), r.perMinute, time.Minute)
	if err != nil {
		log.Printf("level=warn component=rail_rate_limiter msg=\"limiter unavailable; allowing call\" rail=%s op=%s err=%v", r.Adapter.Rail(), op, err)
		return nil
	}
	if count > r.perMinute {
		return &domain.TransientProviderError{
			Op:         op,
			RetryAfter: time.Duration(retryAfter) * time.Second,
			Err:        fmt.Errorf("rail %s rate limit of %d calls per minute exceeded", r.Adapter.Rail(), r.perMinute),
		}
	}
	return nil
}
