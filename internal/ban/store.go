// Package ban provides the persistent IP-ban registry. Ban records are kept in
// Redis, one hash per origin address plus an id index:
//
//	Key:   ban:<address>   fields id, address, logical_id, nickname, reason, banned_at
//	Key:   bans:ids        field <id> -> <address>
//
// A Memory registry with the same behaviour backs single-node deployments
// without Redis and the tests.
package ban

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// BanPrefix is the Redis key prefix for ban records.
	BanPrefix = "ban:"

	// IDIndexKey maps ban ids to addresses so unban can work by id.
	IDIndexKey = "bans:ids"
)

// ErrNotFound is returned by Unban for an unknown ban id.
var ErrNotFound = errors.New("ban: not found")

// Entry is one ban. Address is unique across entries.
type Entry struct {
	ID        string    `json:"id"`
	Address   string    `json:"address"`
	LogicalID string    `json:"logical_id,omitempty"`
	Nickname  string    `json:"nickname,omitempty"`
	Reason    string    `json:"reason"`
	BannedAt  time.Time `json:"banned_at"`
}

// record is the Redis hash layout of an Entry.
type record struct {
	ID        string `redis:"id"`
	Address   string `redis:"address"`
	LogicalID string `redis:"logical_id"`
	Nickname  string `redis:"nickname"`
	Reason    string `redis:"reason"`
	BannedAt  int64  `redis:"banned_at"` // unix millis
}

func (r record) entry() Entry {
	return Entry{
		ID:        r.ID,
		Address:   r.Address,
		LogicalID: r.LogicalID,
		Nickname:  r.Nickname,
		Reason:    r.Reason,
		BannedAt:  time.UnixMilli(r.BannedAt).UTC(),
	}
}

// prepare fills in the id and timestamp of a new entry.
func prepare(e Entry) Entry {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.BannedAt.IsZero() {
		e.BannedAt = time.Now().UTC()
	}
	return e
}

// Store manages ban records in Redis.
type Store struct {
	client *redis.Client
}

// NewStore creates a new ban store using the provided Redis client.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Lookup returns the ban for an address, or nil if the address is not
// banned. Redis errors are returned so callers can decide how to handle
// them; the coordinator fails open.
func (s *Store) Lookup(ctx context.Context, address string) (*Entry, error) {
	var rec record
	if err := s.client.HGetAll(ctx, BanPrefix+address).Scan(&rec); err != nil {
		return nil, fmt.Errorf("ban: lookup %s: %w", address, err)
	}
	if rec.ID == "" {
		return nil, nil
	}
	e := rec.entry()
	return &e, nil
}

// Ban stores e, replacing any existing ban for the same address. The write
// is a single MULTI/EXEC so the id index never points at a missing record.
func (s *Store) Ban(ctx context.Context, e Entry) (Entry, error) {
	e = prepare(e)
	key := BanPrefix + e.Address

	oldID, err := s.client.HGet(ctx, key, "id").Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, fmt.Errorf("ban: read previous %s: %w", e.Address, err)
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if oldID != "" {
			pipe.HDel(ctx, IDIndexKey, oldID)
		}
		pipe.Del(ctx, key)
		pipe.HSet(ctx, key, map[string]interface{}{
			"id":         e.ID,
			"address":    e.Address,
			"logical_id": e.LogicalID,
			"nickname":   e.Nickname,
			"reason":     e.Reason,
			"banned_at":  e.BannedAt.UnixMilli(),
		})
		pipe.HSet(ctx, IDIndexKey, e.ID, e.Address)
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("ban: write %s: %w", e.Address, err)
	}
	return e, nil
}

// Unban removes the ban with the given id and returns it.
func (s *Store) Unban(ctx context.Context, id string) (Entry, error) {
	address, err := s.client.HGet(ctx, IDIndexKey, id).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, fmt.Errorf("ban: unban %s: %w", id, err)
	}

	existing, err := s.Lookup(ctx, address)
	if err != nil {
		return Entry{}, err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, IDIndexKey, id)
		if existing != nil && existing.ID == id {
			pipe.Del(ctx, BanPrefix+address)
		}
		return nil
	})
	if err != nil {
		return Entry{}, fmt.Errorf("ban: unban %s: %w", id, err)
	}
	if existing == nil || existing.ID != id {
		return Entry{}, ErrNotFound
	}
	return *existing, nil
}

// List returns every ban, newest first.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	index, err := s.client.HGetAll(ctx, IDIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("ban: list: %w", err)
	}

	entries := make([]Entry, 0, len(index))
	for _, address := range index {
		e, err := s.Lookup(ctx, address)
		if err != nil {
			return nil, err
		}
		if e != nil {
			entries = append(entries, *e)
		}
	}
	sortNewestFirst(entries)
	return entries, nil
}

func sortNewestFirst(entries []Entry) {
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].BannedAt.Equal(entries[j].BannedAt) {
			return entries[i].Address < entries[j].Address
		}
		return entries[i].BannedAt.After(entries[j].BannedAt)
	})
}
