package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// newTestLimiter connects to TEST_REDIS_ADDR, skipping the test when no Redis
// is reachable.
func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable at %s: %v", addr, err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, zap.NewNop())
}

func testRule() Rule {
	return Rule{Key: "rl:test:" + uuid.NewString() + ":", Limit: 3, Window: time.Minute}
}

func TestAllow_ThrottlesAfterLimit(t *testing.T) {
	req := require.New(t)
	l := newTestLimiter(t)
	rule := testRule()
	ctx := context.Background()

	// Given: three requests fill the window
	for i := 0; i < rule.Limit; i++ {
		ok, err := l.Allow(ctx, "alice", rule)
		req.NoError(err)
		req.True(ok, "request %d should pass", i+1)
	}

	// When: a fourth arrives
	ok, err := l.Allow(ctx, "alice", rule)

	// Then: it is rejected and nothing remains
	req.NoError(err)
	req.False(ok)
	remaining, err := l.Remaining(ctx, "alice", rule)
	req.NoError(err)
	req.Equal(0, remaining)
	req.Greater(l.RetryAfter(ctx, "alice", rule), time.Duration(0))
}

func TestTake_ReportsCountAndWindow(t *testing.T) {
	req := require.New(t)
	l := newTestLimiter(t)
	rule := testRule()
	ctx := context.Background()

	first, err := l.Take(ctx, "dave", rule)
	req.NoError(err)
	second, err := l.Take(ctx, "dave", rule)
	req.NoError(err)

	req.Equal(1, first.Count)
	req.Equal(2, second.Count)
	req.True(second.Allowed)
	req.Greater(second.RetryAfter, time.Duration(0))
	req.LessOrEqual(second.RetryAfter, rule.Window)
}

func TestAllow_IdentitiesAreIndependent(t *testing.T) {
	req := require.New(t)
	l := newTestLimiter(t)
	rule := testRule()
	ctx := context.Background()

	for i := 0; i < rule.Limit+1; i++ {
		_, _ = l.Allow(ctx, "alice", rule)
	}

	ok, err := l.Allow(ctx, "bob", rule)
	req.NoError(err)
	req.True(ok)
	remaining, err := l.Remaining(ctx, "carol", rule)
	req.NoError(err)
	req.Equal(rule.Limit, remaining)
}

func TestAllow_FailsOpenWhenRedisIsDown(t *testing.T) {
	req := require.New(t)
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { _ = client.Close() })
	l := NewLimiter(client, zap.NewNop())

	ok, err := l.Allow(context.Background(), "alice", RuleMessage)

	req.Error(err)
	req.True(ok)
	req.Equal(RuleMessage.Window, l.RetryAfter(context.Background(), "alice", RuleMessage))
}
