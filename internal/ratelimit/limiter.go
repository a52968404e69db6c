// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Each rule throttles one action per identity across every
// worker sharing the Redis instance.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number
// of actions allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g. "rl:report:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// RuleMatch allows 10 match requests per minute per user.
var RuleMatch = Rule{Key: "rl:match:", Limit: 10, Window: time.Minute}

// ReportRule allows limit reports per hour per reporter.
func ReportRule(limit int) Rule {
	return Rule{Key: "rl:report:", Limit: limit, Window: time.Hour}
}

// Limiter counts actions per identifier in fixed Redis windows.
type Limiter struct {
	client *redis.Client
	log    *zap.Logger
	script *redis.Script
}

// NewLimiter creates a limiter. log may be nil.
func NewLimiter(client *redis.Client, log *zap.Logger) *Limiter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Limiter{client: client, log: log.Named("ratelimit"), script: redis.NewScript(allowLua)}
}

// Allow counts one action for identifier under rule and reports whether it
// is within the limit. On Redis errors it fails open and returns the error
// alongside true.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	key := rule.Key + identifier

	count, err := l.script.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int()
	if err != nil {
		l.log.Warn("rate limit check failed, failing open", zap.String("key", key), zap.Error(err))
		return true, fmt.Errorf("ratelimit: allow %s: %w", key, err)
	}
	if count > rule.Limit {
		l.log.Debug("rate limited", zap.String("key", key), zap.Int("count", count))
		return false, nil
	}
	return true, nil
}

// Remaining returns how many actions identifier has left in the current
// window. Returns the full limit if nothing was counted yet or on errors.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	key := rule.Key + identifier

	count, err := l.client.Get(ctx, key).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, fmt.Errorf("ratelimit: remaining %s: %w", key, err)
	}
	return max(rule.Limit-count, 0), nil
}

// Reset clears the window for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string, rule Rule) error {
	return l.client.Del(ctx, rule.Key+identifier).Err()
}

// allowLua increments and sets the window expiry in one step, so a counter
// can never be left without a TTL.
const allowLua = `
local count = redis.call('INCR', KEYS[1])
if count == 1 then
    redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return count
`
