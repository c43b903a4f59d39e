// Package ratelimit provides fixed-window rate limiting for chat events using
// the Redis INCR + EXPIRE pattern, with an in-process equivalent for
// deployments without Redis. Both fail open.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Rule defines a rate limiting policy: the key prefix, maximum number of
// events allowed in the window, and the window duration.
type Rule struct {
	Key    string        // key prefix, e.g. "rl:chat:"
	Limit  int           // max count in the window; <= 0 disables the rule
	Window time.Duration // time window
}

// ChatRule builds the per-session chat rule.
func ChatRule(limit int, window time.Duration) Rule {
	return Rule{Key: "rl:chat:", Limit: limit, Window: window}
}

// Limiter performs rate limiting checks against Redis.
type Limiter struct {
	client *redis.Client
	rule   Rule
	log    zerolog.Logger
}

// NewLimiter creates a Limiter for rule backed by the given Redis client.
func NewLimiter(client *redis.Client, rule Rule, log zerolog.Logger) *Limiter {
	return &Limiter{client: client, rule: rule, log: log}
}

// Allow increments the counter for identifier and reports whether it is
// still within the limit. On Redis errors it fails open (returns true) so
// that a Redis outage does not block chat.
func (l *Limiter) Allow(ctx context.Context, identifier string) (bool, error) {
	if l.rule.Limit <= 0 {
		return true, nil
	}
	key := l.rule.Key + identifier

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.log.Warn().Err(err).Str("key", key).Msg("rate limit INCR failed, failing open")
		return true, err
	}

	// On the first increment, set the expiry to define the window boundary.
	if count == 1 {
		if err := l.client.Expire(ctx, key, l.rule.Window).Err(); err != nil {
			l.log.Warn().Err(err).Str("key", key).Msg("rate limit EXPIRE failed, failing open")
			// Without a TTL the key would block the identifier forever.
			l.client.Del(ctx, key)
			return true, err
		}
	}

	return int(count) <= l.rule.Limit, nil
}

// RetryAfter is the window length in whole seconds, reported to clients.
func (l *Limiter) RetryAfter() int {
	return int(l.rule.Window.Seconds())
}

// Memory is a fixed-window limiter held in process.
type Memory struct {
	mu      sync.Mutex
	rule    Rule
	now     func() time.Time
	windows map[string]*window
}

type window struct {
	count   int
	expires time.Time
}

// NewMemory creates an in-process limiter for rule.
func NewMemory(rule Rule) *Memory {
	return &Memory{rule: rule, now: time.Now, windows: make(map[string]*window)}
}

// Allow increments the counter for identifier and reports whether it is
// still within the limit.
func (m *Memory) Allow(_ context.Context, identifier string) (bool, error) {
	if m.rule.Limit <= 0 {
		return true, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[identifier]
	if !ok || now.After(w.expires) {
		if len(m.windows) > 4096 {
			m.sweep(now)
		}
		w = &window{expires: now.Add(m.rule.Window)}
		m.windows[identifier] = w
	}
	w.count++
	return w.count <= m.rule.Limit, nil
}

// RetryAfter is the window length in whole seconds, reported to clients.
func (m *Memory) RetryAfter() int {
	return int(m.rule.Window.Seconds())
}

func (m *Memory) sweep(now time.Time) {
	for id, w := range m.windows {
		if now.After(w.expires) {
			delete(m.windows, id)
		}
	}
}
