package cache

import (
	"context"
	"errors"
	"sync"
)

// NewMemoryStorage 返回进程内存实现，重启即丢失，适合测试与临时部署。
func NewMemoryStorage() Storage {
	return &memoryStorage{namespaces: make(map[string]map[string]*Entry)}
}

type memoryStorage struct {
	mu         sync.RWMutex
	namespaces map[string]map[string]*Entry
}

type memoryStore struct {
	storage   *memoryStorage
	namespace string
}

func (m *memoryStorage) Open(ctx context.Context, namespace string) (Store, error) {
	if namespace == "" {
		return nil, ErrInvalidKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.namespaces[namespace]; !ok {
		m.namespaces[namespace] = make(map[string]*Entry)
	}
	return &memoryStore{storage: m, namespace: namespace}, nil
}

func (m *memoryStorage) Has(ctx context.Context, namespace string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.namespaces[namespace]
	return ok, nil
}

func (m *memoryStorage) Namespaces(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	return sortedKeys(names), nil
}

func (m *memoryStorage) Delete(ctx context.Context, namespace string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.namespaces[namespace]
	delete(m.namespaces, namespace)
	return ok, nil
}

func (m *memoryStorage) Close() error {
	return nil
}

func (s *memoryStore) Match(ctx context.Context, key string) (*Entry, error) {
	if err := validKey(s.namespace, key); err != nil {
		return nil, err
	}
	s.storage.mu.RLock()
	defer s.storage.mu.RUnlock()
	entry, ok := s.storage.namespaces[s.namespace][key]
	if !ok {
		return nil, ErrNotFound
	}
	return entry.Clone(), nil
}

func (s *memoryStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("cache entry required")
	}
	stored := entry.Clone()
	stored.Key = key

	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()
	entries, ok := s.storage.namespaces[s.namespace]
	if !ok {
		entries = make(map[string]*Entry)
		s.storage.namespaces[s.namespace] = entries
	}
	entries[key] = stored
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	s.storage.mu.Lock()
	defer s.storage.mu.Unlock()
	delete(s.storage.namespaces[s.namespace], key)
	return nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	s.storage.mu.RLock()
	defer s.storage.mu.RUnlock()
	entries := s.storage.namespaces[s.namespace]
	keys := make([]string, 0, len(entries))
	for key := range entries {
		keys = append(keys, key)
	}
	return sortedKeys(keys), nil
}
