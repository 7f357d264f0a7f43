// Package ratelimit implements per-(user, router) request and token
// window limits over a shared Redis store.
//
// Four limit kinds exist: RPM, RPD, TPM, TPD. The window policy (fixed,
// sliding, or moving) is chosen at startup. Store failures degrade open
// after a short retry so the gateway never blocks on an unreachable
// limiter backend.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	gateway "github.com/nmorel/bastion/internal"
)

// Kind identifies a limit window.
type Kind string

const (
	RPM Kind = "rpm"
	RPD Kind = "rpd"
	TPM Kind = "tpm"
	TPD Kind = "tpd"
)

// Window returns the window duration for the kind.
func (k Kind) Window() time.Duration {
	switch k {
	case RPM, TPM:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

// Unit returns the human-readable unit for rate limit errors.
func (k Kind) Unit() string {
	switch k {
	case RPM:
		return "requests per minute"
	case RPD:
		return "requests per day"
	case TPM:
		return "tokens per minute"
	default:
		return "tokens per day"
	}
}

// Policy selects the window accounting algorithm.
type Policy string

const (
	PolicyFixed   Policy = "fixed"
	PolicySliding Policy = "sliding"
	PolicyMoving  Policy = "moving"
)

const (
	retryAttempts = 3
	retryBase     = 100 * time.Millisecond
)

// fixedScript charges cost to a fixed window counter, refusing the charge
// when it would exceed the limit. Returns {allowed, used}.
var fixedScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local count = redis.call('INCRBY', key, cost)
if count == cost then
    redis.call('PEXPIRE', key, window)
end
if count > limit then
    redis.call('DECRBY', key, cost)
    return {0, count - cost}
end
return {1, count}
`)

// slidingScript weights the previous window's count by its remaining
// overlap with the current window before charging the current bucket.
// KEYS = {current bucket, previous bucket}. Returns {allowed, used}.
var slidingScript = redis.NewScript(`
local curr = KEYS[1]
local prev = KEYS[2]
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local elapsed = tonumber(ARGV[4])
local prev_count = tonumber(redis.call('GET', prev) or '0')
local curr_count = tonumber(redis.call('GET', curr) or '0')
local weighted = prev_count * (1 - elapsed / window) + curr_count
if weighted + cost > limit then
    return {0, math.floor(weighted)}
end
local count = redis.call('INCRBY', curr, cost)
if count == cost then
    redis.call('PEXPIRE', curr, window * 2)
end
return {1, math.floor(weighted) + cost}
`)

// movingScript keeps each charge as a timestamped event and sums the live
// ones. Members are "<ts>:<seq>:<cost>". Returns {allowed, used}.
var movingScript = redis.NewScript(`
local key = KEYS[1]
local cost = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local window = tonumber(ARGV[3])
local now = tonumber(ARGV[4])
local member = ARGV[5]
redis.call('ZREMRANGEBYSCORE', key, 0, now - window)
local used = 0
local events = redis.call('ZRANGE', key, 0, -1)
for _, e in ipairs(events) do
    local c = string.match(e, ':(%d+)$')
    used = used + (tonumber(c) or 0)
end
if used + cost > limit then
    return {0, used}
end
redis.call('ZADD', key, now, member)
redis.call('PEXPIRE', key, window)
return {1, used + cost}
`)

// Limiter enforces window limits over a shared Redis client.
type Limiter struct {
	client redis.UniversalClient
	policy Policy
	seq    atomic.Int64 // unique member suffix for moving windows
}

// New returns a Limiter using the given policy.
func New(client redis.UniversalClient, policy Policy) *Limiter {
	return &Limiter{client: client, policy: policy}
}

func key(kind Kind, userID, routerID int64) string {
	return fmt.Sprintf("rl:%s:%d:%d", kind, userID, routerID)
}

// Hit atomically checks and, if allowed, charges cost to the window.
// A nil limit means unlimited: it returns true without charging.
func (l *Limiter) Hit(ctx context.Context, userID, routerID int64, kind Kind, limit *int64, cost int64) (bool, error) {
	if limit == nil {
		return true, nil
	}
	windowMs := kind.Window().Milliseconds()
	k := key(kind, userID, routerID)

	run := func(ctx context.Context) (bool, error) {
		var res any
		var err error
		switch l.policy {
		case PolicySliding:
			now := time.Now().UnixMilli()
			currBucket := now / windowMs
			elapsed := now % windowMs
			curr := fmt.Sprintf("%s:%d", k, currBucket)
			prev := fmt.Sprintf("%s:%d", k, currBucket-1)
			res, err = slidingScript.Run(ctx, l.client, []string{curr, prev},
				cost, *limit, windowMs, elapsed).Result()
		case PolicyMoving:
			now := time.Now().UnixMilli()
			member := fmt.Sprintf("%d:%d:%d", now, l.seq.Add(1), cost)
			res, err = movingScript.Run(ctx, l.client, []string{k},
				cost, *limit, windowMs, now, member).Result()
		default:
			res, err = fixedScript.Run(ctx, l.client, []string{k},
				cost, *limit, windowMs).Result()
		}
		if err != nil {
			return false, err
		}
		vals, ok := res.([]any)
		if !ok || len(vals) != 2 {
			return false, fmt.Errorf("unexpected limiter script result %T", res)
		}
		allowed, _ := vals[0].(int64)
		return allowed == 1, nil
	}

	return l.withRetry(ctx, kind, run)
}

// Remaining returns the remaining capacity for the window, or nil when
// the limit itself is nil (unlimited).
func (l *Limiter) Remaining(ctx context.Context, userID, routerID int64, kind Kind, limit *int64) (*int64, error) {
	if limit == nil {
		return nil, nil
	}
	used, err := l.used(ctx, userID, routerID, kind)
	if err != nil {
		return nil, err
	}
	rem := *limit - used
	if rem < 0 {
		rem = 0
	}
	return &rem, nil
}

func (l *Limiter) used(ctx context.Context, userID, routerID int64, kind Kind) (int64, error) {
	k := key(kind, userID, routerID)
	windowMs := kind.Window().Milliseconds()

	switch l.policy {
	case PolicySliding:
		now := time.Now().UnixMilli()
		curr := fmt.Sprintf("%s:%d", k, now/windowMs)
		n, err := l.client.Get(ctx, curr).Int64()
		if err == redis.Nil {
			return 0, nil
		}
		return n, err
	case PolicyMoving:
		members, err := l.client.ZRangeByScore(ctx, k, &redis.ZRangeBy{
			Min: fmt.Sprintf("%d", time.Now().UnixMilli()-windowMs),
			Max: "+inf",
		}).Result()
		if err != nil {
			return 0, err
		}
		var used int64
		for _, m := range members {
			var ts, seq, cost int64
			if _, err := fmt.Sscanf(m, "%d:%d:%d", &ts, &seq, &cost); err == nil {
				used += cost
			}
		}
		return used, nil
	default:
		n, err := l.client.Get(ctx, k).Int64()
		if err == redis.Nil {
			return 0, nil
		}
		return n, err
	}
}

// withRetry runs fn with exponential backoff, degrading open (admit)
// when the store stays unreachable.
func (l *Limiter) withRetry(ctx context.Context, kind Kind, fn func(context.Context) (bool, error)) (bool, error) {
	delay := retryBase
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		ok, err := fn(ctx)
		if err == nil {
			return ok, nil
		}
		lastErr = err
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return true, nil
		}
		delay *= 2
	}
	slog.LogAttrs(ctx, slog.LevelWarn, "rate limiter degrading open",
		slog.String("kind", string(kind)),
		slog.String("error", lastErr.Error()),
	)
	return true, nil
}

// CheckUserLimits enforces the four windows for a (user, router) pair in
// RPM, RPD, TPM, TPD order so the caller-visible error names the most
// specific violated window. The master user bypasses all limits. A limit
// of 0 means "not granted" and denies outright.
func (l *Limiter) CheckUserLimits(ctx context.Context, user *gateway.UserInfo, routerID int64, promptTokens *int64) error {
	if user.IsMaster() {
		return nil
	}

	limits := user.LimitsFor(routerID)
	for _, lim := range []*int64{limits.RPM, limits.RPD, limits.TPM, limits.TPD} {
		if lim != nil && *lim == 0 {
			return gateway.ErrInsufficientPerms
		}
	}

	checks := []struct {
		kind  Kind
		limit *int64
		cost  int64
	}{
		{RPM, limits.RPM, 1},
		{RPD, limits.RPD, 1},
	}
	if promptTokens != nil {
		checks = append(checks,
			struct {
				kind  Kind
				limit *int64
				cost  int64
			}{TPM, limits.TPM, *promptTokens},
			struct {
				kind  Kind
				limit *int64
				cost  int64
			}{TPD, limits.TPD, *promptTokens},
		)
	}

	for _, c := range checks {
		ok, err := l.Hit(ctx, user.ID, routerID, c.kind, c.limit, c.cost)
		if err != nil {
			return err
		}
		if !ok {
			var remaining int64
			if rem, err := l.Remaining(ctx, user.ID, routerID, c.kind, c.limit); err == nil && rem != nil {
				remaining = *rem
			}
			return &gateway.RateLimitError{Limit: *c.limit, Unit: c.kind.Unit(), Remaining: remaining}
		}
	}
	return nil
}
