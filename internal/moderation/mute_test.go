package moderation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

type memoryMirror struct {
	mu      sync.Mutex
	entries map[string]MuteEntry
	fail    bool
}

func newMemoryMirror() *memoryMirror {
	return &memoryMirror{entries: make(map[string]MuteEntry)}
}

func (m *memoryMirror) SaveMute(_ context.Context, e MuteEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	m.entries[e.LogicalID] = e
	return nil
}

func (m *memoryMirror) DeleteMute(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("mirror down")
	}
	delete(m.entries, id)
	return nil
}

func (m *memoryMirror) LoadMutes(_ context.Context) ([]MuteEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MuteEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out, nil
}

func TestMuteList_MuteUnmute(t *testing.T) {
	ctx := context.Background()
	m := NewMuteList(nil, zerolog.Nop())

	require.False(t, m.IsMuted("u-1"))

	e, created := m.Mute(ctx, "u-1", "Alice")
	require.True(t, created)
	require.Equal(t, "Alice", e.Nickname)
	require.True(t, m.IsMuted("u-1"))

	_, created = m.Mute(ctx, "u-1", "Alice")
	require.False(t, created)

	require.True(t, m.Unmute(ctx, "u-1"))
	require.False(t, m.IsMuted("u-1"))
	require.False(t, m.Unmute(ctx, "u-1"))
}

func TestMuteList_MirrorRoundTrip(t *testing.T) {
	ctx := context.Background()
	mirror := newMemoryMirror()

	m := NewMuteList(mirror, zerolog.Nop())
	m.Mute(ctx, "u-1", "Alice")
	m.Mute(ctx, "u-2", "Bob")
	m.Unmute(ctx, "u-2")

	restored := NewMuteList(mirror, zerolog.Nop())
	require.NoError(t, restored.Load(ctx))
	require.True(t, restored.IsMuted("u-1"))
	require.False(t, restored.IsMuted("u-2"))
	require.Len(t, restored.List(), 1)
}

func TestMuteList_MirrorFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	mirror := newMemoryMirror()
	mirror.fail = true

	m := NewMuteList(mirror, zerolog.Nop())
	_, created := m.Mute(ctx, "u-1", "Alice")
	require.True(t, created)
	require.True(t, m.IsMuted("u-1"))
}

func TestRedisMirror(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	client.Del(ctx, MutesKey)
	t.Cleanup(func() {
		client.Del(ctx, MutesKey)
		client.Close()
	})

	mirror := NewRedisMirror(client)
	m := NewMuteList(mirror, zerolog.Nop())
	m.Mute(ctx, "u-1", "Alice")

	restored := NewMuteList(mirror, zerolog.Nop())
	require.NoError(t, restored.Load(ctx))
	require.True(t, restored.IsMuted("u-1"))
	require.Equal(t, "Alice", restored.List()[0].Nickname)
}
