package history

import (
	"context"
	"sort"
	"sync"
)

// MemoryArchive is an in-process Archive for single-node deployments
// without PostgreSQL.
type MemoryArchive struct {
	mu   sync.RWMutex
	msgs []Message
	ids  map[string]bool
}

// NewMemoryArchive creates an empty archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{ids: make(map[string]bool)}
}

// Archive stores msgs, skipping ids already present.
func (a *MemoryArchive) Archive(_ context.Context, msgs []Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, m := range msgs {
		if a.ids[m.ID] {
			continue
		}
		m.Archived = true
		a.ids[m.ID] = true
		a.msgs = append(a.msgs, m)
	}
	return nil
}

// Query returns up to limit messages visible to v, newest first.
func (a *MemoryArchive) Query(_ context.Context, v Viewer, limit int) ([]Message, error) {
	a.mu.RLock()
	out := make([]Message, 0, len(a.msgs))
	for _, m := range a.msgs {
		if v.CanSee(m) {
			out = append(out, m)
		}
	}
	a.mu.RUnlock()

	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Len returns the number of archived messages.
func (a *MemoryArchive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.msgs)
}

func sortNewestFirst(msgs []Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Timestamp.After(msgs[j].Timestamp)
	})
}
