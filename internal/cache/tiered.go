package cache

import (
	"context"
	"errors"

	lru "github.com/hashicorp/golang-lru/v2"
)

// NewTieredStorage 在 base 之上叠加容量为 size 的 LRU 热层。
// 热层只缓存读到或写入过的条目，淘汰仅发生在内存中，base 始终是权威数据源。
func NewTieredStorage(base Storage, size int) (Storage, error) {
	if base == nil {
		return nil, errors.New("base storage required")
	}
	hot, err := lru.New[string, *Entry](size)
	if err != nil {
		return nil, err
	}
	return &tieredStorage{base: base, hot: hot}, nil
}

type tieredStorage struct {
	base Storage
	hot  *lru.Cache[string, *Entry]
}

type tieredStore struct {
	storage   *tieredStorage
	base      Store
	namespace string
}

func hotKey(namespace, key string) string {
	return namespace + "\x00" + key
}

func (t *tieredStorage) Open(ctx context.Context, namespace string) (Store, error) {
	base, err := t.base.Open(ctx, namespace)
	if err != nil {
		return nil, err
	}
	return &tieredStore{storage: t, base: base, namespace: namespace}, nil
}

func (t *tieredStorage) Has(ctx context.Context, namespace string) (bool, error) {
	return t.base.Has(ctx, namespace)
}

func (t *tieredStorage) Namespaces(ctx context.Context) ([]string, error) {
	return t.base.Namespaces(ctx)
}

func (t *tieredStorage) Delete(ctx context.Context, namespace string) (bool, error) {
	existed, err := t.base.Delete(ctx, namespace)
	if err != nil {
		return existed, err
	}
	prefix := namespace + "\x00"
	for _, key := range t.hot.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			t.hot.Remove(key)
		}
	}
	return existed, nil
}

func (t *tieredStorage) Close() error {
	t.hot.Purge()
	return t.base.Close()
}

func (s *tieredStore) Match(ctx context.Context, key string) (*Entry, error) {
	if err := validKey(s.namespace, key); err != nil {
		return nil, err
	}
	if entry, ok := s.storage.hot.Get(hotKey(s.namespace, key)); ok {
		return entry.Clone(), nil
	}
	entry, err := s.base.Match(ctx, key)
	if err != nil {
		return nil, err
	}
	s.storage.hot.Add(hotKey(s.namespace, key), entry.Clone())
	return entry, nil
}

func (s *tieredStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := s.base.Put(ctx, key, entry); err != nil {
		s.storage.hot.Remove(hotKey(s.namespace, key))
		return err
	}
	stored := entry.Clone()
	stored.Key = key
	s.storage.hot.Add(hotKey(s.namespace, key), stored)
	return nil
}

func (s *tieredStore) Delete(ctx context.Context, key string) error {
	s.storage.hot.Remove(hotKey(s.namespace, key))
	return s.base.Delete(ctx, key)
}

func (s *tieredStore) Keys(ctx context.Context) ([]string, error) {
	return s.base.Keys(ctx)
}
