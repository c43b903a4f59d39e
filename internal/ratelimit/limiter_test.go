package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestMemory_FixedWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)
	m := NewMemory(ChatRule(3, 10*time.Second))
	m.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := m.Allow(ctx, "s1")
		require.NoError(t, err)
		require.True(t, ok, "event %d should pass", i+1)
	}
	ok, _ := m.Allow(ctx, "s1")
	require.False(t, ok)

	// Other identifiers have their own window.
	ok, _ = m.Allow(ctx, "s2")
	require.True(t, ok)

	now = now.Add(11 * time.Second)
	ok, _ = m.Allow(ctx, "s1")
	require.True(t, ok)
	require.Equal(t, 10, m.RetryAfter())
}

func TestMemory_DisabledRule(t *testing.T) {
	m := NewMemory(ChatRule(0, time.Second))
	for i := 0; i < 100; i++ {
		ok, err := m.Allow(context.Background(), "s1")
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestLimiter_Redis(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	rule := Rule{Key: "rl:test:", Limit: 2, Window: time.Minute}
	t.Cleanup(func() {
		client.Del(ctx, rule.Key+"s1")
		client.Close()
	})
	client.Del(ctx, rule.Key+"s1")

	l := NewLimiter(client, rule, zerolog.Nop())
	ok, err := l.Allow(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "s1")
	require.True(t, ok)
	ok, _ = l.Allow(ctx, "s1")
	require.False(t, ok)
	require.Equal(t, 60, l.RetryAfter())
}

func TestLimiter_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	defer client.Close()

	l := NewLimiter(client, ChatRule(1, time.Second), zerolog.Nop())
	ok, err := l.Allow(context.Background(), "s1")
	require.Error(t, err)
	require.True(t, ok)
}
