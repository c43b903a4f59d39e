package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// ExitPrefix is the Redis key prefix for recent-exit records.
	ExitPrefix = "exit:"

	// DefaultExitTTL is how long a departed identity's address is kept.
	DefaultExitTTL = 24 * time.Hour
)

// Store keeps recent exits in Redis as plain keys with a TTL:
//
//	Key:   exit:<logical_id>
//	Value: <origin address>
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// NewStore creates a Redis-backed recent-exit store.
func NewStore(client *redis.Client, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultExitTTL
	}
	return &Store{client: client, ttl: ttl}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}
	return client, nil
}

// RecordExit remembers the address a logical identity last connected from.
func (s *Store) RecordExit(ctx context.Context, logicalID, address string) error {
	return s.client.Set(ctx, ExitPrefix+logicalID, address, s.ttl).Err()
}

// LastAddress returns the remembered address, or "" if none is on record.
func (s *Store) LastAddress(ctx context.Context, logicalID string) (string, error) {
	addr, err := s.client.Get(ctx, ExitPrefix+logicalID).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("session: last address %s: %w", logicalID, err)
	}
	return addr, nil
}

// Memory keeps recent exits in process, expiring them lazily.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]exit
}

type exit struct {
	address string
	expires time.Time
}

// NewMemory creates an in-memory recent-exit store.
func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultExitTTL
	}
	return &Memory{ttl: ttl, now: time.Now, entries: make(map[string]exit)}
}

// RecordExit remembers the address a logical identity last connected from
// and drops expired entries.
func (m *Memory) RecordExit(_ context.Context, logicalID, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	for id, e := range m.entries {
		if now.After(e.expires) {
			delete(m.entries, id)
		}
	}
	m.entries[logicalID] = exit{address: address, expires: now.Add(m.ttl)}
	return nil
}

// LastAddress returns the remembered address, or "" if none is on record.
func (m *Memory) LastAddress(_ context.Context, logicalID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[logicalID]
	if !ok {
		return "", nil
	}
	if m.now().After(e.expires) {
		delete(m.entries, logicalID)
		return "", nil
	}
	return e.address, nil
}
