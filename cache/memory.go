package cache

import (
	"context"
	"sync"
)

type memStore struct {
	entries map[string]Entry
}

// MemStorage keeps all stores in process memory.
// It is mostly useful for tests and for running without a database.
type MemStorage struct {
	mutex  sync.RWMutex
	stores map[string]*memStore
	order  []string
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		stores: make(map[string]*memStore),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Store, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		m.stores[name] = &memStore{entries: make(map[string]Entry)}
		m.order = append(m.order, name)
	}
	return memStoreHandle{m: m, name: name}, nil
}

func (m *MemStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.stores[name]; !ok {
		return false, nil
	}
	delete(m.stores, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

// memStoreHandle looks the store up on every call,
// so that a handle to a deleted store stops working.
type memStoreHandle struct {
	m    *MemStorage
	name string
}

func (h memStoreHandle) Name() string {
	return h.name
}

func (h memStoreHandle) Match(ctx context.Context, key string) (Entry, bool, error) {
	h.m.mutex.RLock()
	defer h.m.mutex.RUnlock()
	s, ok := h.m.stores[h.name]
	if !ok {
		return Entry{}, false, ErrStoreNotFound
	}
	entry, ok := s.entries[key]
	return entry, ok, nil
}

func (h memStoreHandle) Put(ctx context.Context, entry Entry) error {
	return h.PutAll(ctx, []Entry{entry})
}

func (h memStoreHandle) PutAll(ctx context.Context, entries []Entry) error {
	h.m.mutex.Lock()
	defer h.m.mutex.Unlock()
	s, ok := h.m.stores[h.name]
	if !ok {
		return ErrStoreNotFound
	}
	for _, entry := range entries {
		s.entries[entry.Key] = entry
	}
	return nil
}

func (h memStoreHandle) Keys(ctx context.Context) ([]string, error) {
	h.m.mutex.RLock()
	defer h.m.mutex.RUnlock()
	s, ok := h.m.stores[h.name]
	if !ok {
		return nil, ErrStoreNotFound
	}
	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	return keys, nil
}
