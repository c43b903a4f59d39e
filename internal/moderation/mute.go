package moderation

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// MutesKey is the Redis hash mirroring the mute set: logical id -> JSON entry.
const MutesKey = "mutes"

// MuteEntry suppresses outbound chat from one logical identity.
type MuteEntry struct {
	LogicalID string    `json:"logical_id"`
	Nickname  string    `json:"nickname"`
	MutedAt   time.Time `json:"muted_at"`
}

// MuteMirror persists the mute set so it survives restarts.
type MuteMirror interface {
	SaveMute(ctx context.Context, e MuteEntry) error
	DeleteMute(ctx context.Context, logicalID string) error
	LoadMutes(ctx context.Context) ([]MuteEntry, error)
}

// MuteList is the authoritative in-memory mute set. Mirror failures are
// logged; the in-memory state always wins.
type MuteList struct {
	mu      sync.RWMutex
	entries map[string]MuteEntry
	mirror  MuteMirror
	log     zerolog.Logger
}

// NewMuteList creates an empty mute set. mirror may be nil.
func NewMuteList(mirror MuteMirror, log zerolog.Logger) *MuteList {
	return &MuteList{
		entries: make(map[string]MuteEntry),
		mirror:  mirror,
		log:     log,
	}
}

// Load replaces the in-memory set with the mirror's content.
func (m *MuteList) Load(ctx context.Context) error {
	if m.mirror == nil {
		return nil
	}
	entries, err := m.mirror.LoadMutes(ctx)
	if err != nil {
		return fmt.Errorf("moderation: load mutes: %w", err)
	}
	m.mu.Lock()
	m.entries = make(map[string]MuteEntry, len(entries))
	for _, e := range entries {
		m.entries[e.LogicalID] = e
	}
	m.mu.Unlock()
	return nil
}

// IsMuted reports whether logicalID is muted.
func (m *MuteList) IsMuted(logicalID string) bool {
	m.mu.RLock()
	_, ok := m.entries[logicalID]
	m.mu.RUnlock()
	return ok
}

// Mute adds logicalID to the set. It returns false if it was already muted.
func (m *MuteList) Mute(ctx context.Context, logicalID, nickname string) (MuteEntry, bool) {
	m.mu.Lock()
	if existing, ok := m.entries[logicalID]; ok {
		m.mu.Unlock()
		return existing, false
	}
	e := MuteEntry{LogicalID: logicalID, Nickname: nickname, MutedAt: time.Now().UTC()}
	m.entries[logicalID] = e
	m.mu.Unlock()

	if m.mirror != nil {
		if err := m.mirror.SaveMute(ctx, e); err != nil {
			m.log.Warn().Err(err).Str("logical_id", logicalID).Msg("mute mirror write failed")
		}
	}
	return e, true
}

// Unmute removes logicalID from the set. It returns false if it was not muted.
func (m *MuteList) Unmute(ctx context.Context, logicalID string) bool {
	m.mu.Lock()
	_, ok := m.entries[logicalID]
	delete(m.entries, logicalID)
	m.mu.Unlock()

	if ok && m.mirror != nil {
		if err := m.mirror.DeleteMute(ctx, logicalID); err != nil {
			m.log.Warn().Err(err).Str("logical_id", logicalID).Msg("mute mirror delete failed")
		}
	}
	return ok
}

// List returns the mute set, most recent first.
func (m *MuteList) List() []MuteEntry {
	m.mu.RLock()
	out := make([]MuteEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].MutedAt.Equal(out[j].MutedAt) {
			return out[i].LogicalID < out[j].LogicalID
		}
		return out[i].MutedAt.After(out[j].MutedAt)
	})
	return out
}

// RedisMirror stores mute entries in the MutesKey hash.
type RedisMirror struct {
	client *redis.Client
}

// NewRedisMirror creates a mirror using the provided Redis client.
func NewRedisMirror(client *redis.Client) *RedisMirror {
	return &RedisMirror{client: client}
}

// SaveMute writes one entry.
func (r *RedisMirror) SaveMute(ctx context.Context, e MuteEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("moderation: marshal mute: %w", err)
	}
	return r.client.HSet(ctx, MutesKey, e.LogicalID, data).Err()
}

// DeleteMute removes one entry.
func (r *RedisMirror) DeleteMute(ctx context.Context, logicalID string) error {
	return r.client.HDel(ctx, MutesKey, logicalID).Err()
}

// LoadMutes reads every entry. Undecodable values are skipped.
func (r *RedisMirror) LoadMutes(ctx context.Context) ([]MuteEntry, error) {
	raw, err := r.client.HGetAll(ctx, MutesKey).Result()
	if err != nil {
		return nil, err
	}
	out := make([]MuteEntry, 0, len(raw))
	for _, v := range raw {
		var e MuteEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil || e.LogicalID == "" {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}
