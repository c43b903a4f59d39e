package ban

import (
	"context"
	"sync"
)

// Memory is an in-process ban registry with the same semantics as Store.
type Memory struct {
	mu        sync.RWMutex
	byAddress map[string]Entry
	byID      map[string]string
}

// NewMemory creates an empty in-memory registry.
func NewMemory() *Memory {
	return &Memory{
		byAddress: make(map[string]Entry),
		byID:      make(map[string]string),
	}
}

// Lookup returns the ban for an address, or nil.
func (m *Memory) Lookup(_ context.Context, address string) (*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.byAddress[address]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

// Ban stores e, replacing any existing ban for the same address.
func (m *Memory) Ban(_ context.Context, e Entry) (Entry, error) {
	e = prepare(e)
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.byAddress[e.Address]; ok {
		delete(m.byID, old.ID)
	}
	m.byAddress[e.Address] = e
	m.byID[e.ID] = e.Address
	return e, nil
}

// Unban removes the ban with the given id and returns it.
func (m *Memory) Unban(_ context.Context, id string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	address, ok := m.byID[id]
	if !ok {
		return Entry{}, ErrNotFound
	}
	e := m.byAddress[address]
	delete(m.byID, id)
	delete(m.byAddress, address)
	return e, nil
}

// List returns every ban, newest first.
func (m *Memory) List(_ context.Context) ([]Entry, error) {
	m.mu.RLock()
	entries := make([]Entry, 0, len(m.byAddress))
	for _, e := range m.byAddress {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	sortNewestFirst(entries)
	return entries, nil
}
