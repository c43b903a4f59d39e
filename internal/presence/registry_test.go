package presence

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whisper/lounge/internal/identity"
)

type member struct {
	sid string
	id  identity.Identity
}

func (m *member) SessionID() string           { return m.sid }
func (m *member) Identity() identity.Identity { return m.id }

func newMember(sid, logical, nick, addr string) *member {
	return &member{sid: sid, id: identity.Identity{LogicalID: logical, Nickname: nick, OriginAddress: addr}}
}

func TestRegister_EvictsSameLogicalID(t *testing.T) {
	r := New[*member]()

	first := newMember("s1", "u1", "alice", "203.0.113.1")
	_, evicted := r.Register(first)
	require.False(t, evicted)

	second := newMember("s2", "u1", "alice", "203.0.113.2")
	prev, evicted := r.Register(second)
	require.True(t, evicted)
	require.Same(t, first, prev)

	require.Equal(t, 1, r.Len())
	got, ok := r.ByLogicalID("u1")
	require.True(t, ok)
	require.Same(t, second, got)
	require.Empty(t, r.ByAddress("203.0.113.1"))

	// The evicted session's late disconnect must not remove its successor.
	_, ok = r.Unregister("s1")
	require.False(t, ok)
	_, ok = r.ByNickname("alice")
	require.True(t, ok)
}

func TestUnregister_ClearsIndices(t *testing.T) {
	r := New[*member]()
	r.Register(newMember("s1", "u1", "alice", "203.0.113.1"))
	r.Register(newMember("s2", "u2", "bob", "203.0.113.1"))

	require.Len(t, r.ByAddress("203.0.113.1"), 2)

	m, ok := r.Unregister("s1")
	require.True(t, ok)
	require.Equal(t, "alice", m.Identity().Nickname)

	_, ok = r.BySession("s1")
	require.False(t, ok)
	_, ok = r.ByLogicalID("u1")
	require.False(t, ok)
	_, ok = r.ByNickname("alice")
	require.False(t, ok)
	require.Len(t, r.ByAddress("203.0.113.1"), 1)
}

func TestIdentities_SortedAndUnique(t *testing.T) {
	r := New[*member]()
	r.Register(newMember("s1", "u2", "carol", "a"))
	r.Register(newMember("s2", "u1", "alice", "b"))
	r.Register(newMember("s3", "u2", "carol", "c"))

	ids := r.Identities()
	require.Len(t, ids, 2)
	require.Equal(t, "alice", ids[0].Nickname)
	require.Equal(t, "carol", ids[1].Nickname)
}

func TestRegister_ConcurrentSameLogicalID(t *testing.T) {
	r := New[*member]()
	var wg sync.WaitGroup
	evictions := make(chan string, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if prev, ok := r.Register(newMember(fmt.Sprintf("s%d", i), "u1", "alice", "a")); ok {
				evictions <- prev.SessionID()
			}
		}(i)
	}
	wg.Wait()
	close(evictions)

	require.Equal(t, 1, r.Len())
	seen := map[string]bool{}
	for sid := range evictions {
		require.False(t, seen[sid], "session %s evicted twice", sid)
		seen[sid] = true
	}
	require.Len(t, seen, 63)
}
