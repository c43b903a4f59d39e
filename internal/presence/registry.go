// Package presence is the live registry of joined sessions. It enforces one
// session per logical identity and keeps secondary indices by logical id,
// nickname and origin address in step with the primary session map.
package presence

import (
	"sort"
	"sync"

	"github.com/whisper/lounge/internal/identity"
	"github.com/whisper/lounge/internal/metrics"
)

// Member is a joined session as the registry sees it.
type Member interface {
	SessionID() string
	Identity() identity.Identity
}

// Registry maps joined sessions to identities. Nicknames and logical ids are
// fixed for a session's lifetime, so the indices never need rekeying.
type Registry[M Member] struct {
	mu         sync.RWMutex
	bySession  map[string]M
	byLogical  map[string]M
	byNickname map[string]M
	byAddress  map[string]map[string]M // addr -> session id -> member
}

// New creates an empty registry.
func New[M Member]() *Registry[M] {
	return &Registry[M]{
		bySession:  make(map[string]M),
		byLogical:  make(map[string]M),
		byNickname: make(map[string]M),
		byAddress:  make(map[string]map[string]M),
	}
}

// Register admits m. If another session holds the same logical id it is
// removed from every index and returned so the caller can evict it.
func (r *Registry[M]) Register(m M) (prev M, evicted bool) {
	id := m.Identity()

	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.byLogical[id.LogicalID]; ok && old.SessionID() != m.SessionID() {
		r.removeLocked(old)
		prev, evicted = old, true
	}
	r.bySession[m.SessionID()] = m
	r.byLogical[id.LogicalID] = m
	r.byNickname[id.Nickname] = m
	addrSet, ok := r.byAddress[id.OriginAddress]
	if !ok {
		addrSet = make(map[string]M)
		r.byAddress[id.OriginAddress] = addrSet
	}
	addrSet[m.SessionID()] = m

	metrics.SessionsActive.Set(float64(len(r.bySession)))
	return prev, evicted
}

// Unregister removes the session. It reports false when the session was not
// registered, for example because it was already evicted.
func (r *Registry[M]) Unregister(sessionID string) (M, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.bySession[sessionID]
	if !ok {
		return m, false
	}
	r.removeLocked(m)
	metrics.SessionsActive.Set(float64(len(r.bySession)))
	return m, true
}

func (r *Registry[M]) removeLocked(m M) {
	id := m.Identity()
	sid := m.SessionID()
	delete(r.bySession, sid)
	if cur, ok := r.byLogical[id.LogicalID]; ok && cur.SessionID() == sid {
		delete(r.byLogical, id.LogicalID)
	}
	if cur, ok := r.byNickname[id.Nickname]; ok && cur.SessionID() == sid {
		delete(r.byNickname, id.Nickname)
	}
	if set, ok := r.byAddress[id.OriginAddress]; ok {
		delete(set, sid)
		if len(set) == 0 {
			delete(r.byAddress, id.OriginAddress)
		}
	}
}

// BySession returns the member for a session id.
func (r *Registry[M]) BySession(sessionID string) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.bySession[sessionID]
	return m, ok
}

// ByLogicalID returns the live session for a logical id.
func (r *Registry[M]) ByLogicalID(logicalID string) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byLogical[logicalID]
	return m, ok
}

// ByNickname returns the live session using a display nickname.
func (r *Registry[M]) ByNickname(nickname string) (M, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byNickname[nickname]
	return m, ok
}

// ByAddress returns every live session from an origin address.
func (r *Registry[M]) ByAddress(addr string) []M {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byAddress[addr]
	out := make([]M, 0, len(set))
	for _, m := range set {
		out = append(out, m)
	}
	return out
}

// Members returns a snapshot of every live session, ordered by nickname.
func (r *Registry[M]) Members() []M {
	r.mu.RLock()
	out := make([]M, 0, len(r.bySession))
	for _, m := range r.bySession {
		out = append(out, m)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Identity().Nickname < out[j].Identity().Nickname
	})
	return out
}

// Identities lists live identities, one per logical id, with admin status.
func (r *Registry[M]) Identities() []identity.Identity {
	members := r.Members()
	out := make([]identity.Identity, len(members))
	for i, m := range members {
		out[i] = m.Identity()
	}
	return out
}

// Len returns the number of live sessions.
func (r *Registry[M]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.bySession)
}
