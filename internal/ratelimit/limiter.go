// Package ratelimit throttles connects, messages and chat creation with fixed
// windows counted in Redis. Every check is a single script call, so the
// counter and its expiry can never drift apart.
package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Rule is a fixed window: at most Limit hits per Window for each identifier.
type Rule struct {
	Key    string // key prefix, the identifier is appended
	Limit  int
	Window time.Duration
}

var (
	// RuleMessage allows 20 messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleCreateChat allows 10 chat creations per minute per user.
	RuleCreateChat = Rule{Key: "rl:chat:", Limit: 10, Window: time.Minute}

	// RuleConnect allows 30 WebSocket upgrades per minute per IP.
	RuleConnect = Rule{Key: "rl:conn:", Limit: 30, Window: time.Minute}
)

// windowScript counts one hit and returns {count, pttl}. A key left without a
// TTL (written by an older client, or PEXPIRE lost) gets one again.
var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if n == 1 or ttl < 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
	ttl = tonumber(ARGV[1])
end
return {n, ttl}
`)

// Decision is the outcome of a single Take.
type Decision struct {
	Allowed    bool
	Count      int           // hits in the current window, this one included
	RetryAfter time.Duration // until the window resets
}

// Limiter checks rules against Redis.
type Limiter struct {
	client redis.UniversalClient
	logger *zap.Logger
}

// NewLimiter creates a Limiter backed by client.
func NewLimiter(client redis.UniversalClient, logger *zap.Logger) *Limiter {
	return &Limiter{client: client, logger: logger.Named("ratelimit")}
}

// Take counts a hit for identifier under rule. When Redis fails the hit is
// allowed and the error returned, so an outage never blocks traffic.
func (l *Limiter) Take(ctx context.Context, identifier string, rule Rule) (Decision, error) {
	key := rule.Key + identifier
	res, err := windowScript.Run(ctx, l.client, []string{key}, rule.Window.Milliseconds()).Int64Slice()
	if err == nil && len(res) != 2 {
		err = errors.New("ratelimit: unexpected script reply")
	}
	if err != nil {
		l.logger.Warn("window check failed, allowing", zap.String("key", key), zap.Error(err))
		return Decision{Allowed: true, RetryAfter: rule.Window}, err
	}

	count := int(res[0])
	return Decision{
		Allowed:    count <= rule.Limit,
		Count:      count,
		RetryAfter: time.Duration(res[1]) * time.Millisecond,
	}, nil
}

// Allow reports whether identifier may proceed under rule.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	d, err := l.Take(ctx, identifier, rule)
	return d.Allowed, err
}

// Remaining returns how many hits identifier has left in the current window.
// A missing key or a Redis failure reports the full limit.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	count, err := l.client.Get(ctx, rule.Key+identifier).Int()
	switch {
	case errors.Is(err, redis.Nil):
		return rule.Limit, nil
	case err != nil:
		return rule.Limit, err
	}
	return max(rule.Limit-count, 0), nil
}

// RetryAfter reports how long until identifier's window for rule resets. It
// falls back to the full window when the TTL is unknown.
func (l *Limiter) RetryAfter(ctx context.Context, identifier string, rule Rule) time.Duration {
	ttl, err := l.client.PTTL(ctx, rule.Key+identifier).Result()
	if err != nil || ttl <= 0 {
		return rule.Window
	}
	return ttl
}
