package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisKeyPrefix = "pwa-hub"

// RedisOptions 描述 redis 驱动的连接参数。
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// 键布局：
//
//	<prefix>:namespaces      SET，全部命名空间
//	<prefix>:ns:<namespace>  HASH，key → Entry JSON
type redisStorage struct {
	client *redis.Client
	prefix string
}

type redisStore struct {
	storage   *redisStorage
	namespace string
}

// NewRedisStorage 连接 Redis 并在 5 秒内完成一次 Ping。
func NewRedisStorage(ctx context.Context, opts RedisOptions) (Storage, error) {
	if strings.TrimSpace(opts.Addr) == "" {
		return nil, errors.New("redis addr required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	prefix := strings.TrimSpace(opts.KeyPrefix)
	if prefix == "" {
		prefix = defaultRedisKeyPrefix
	}
	return &redisStorage{client: client, prefix: prefix}, nil
}

func (r *redisStorage) setKey() string {
	return r.prefix + ":namespaces"
}

func (r *redisStorage) hashKey(namespace string) string {
	return r.prefix + ":ns:" + namespace
}

func (r *redisStorage) Open(ctx context.Context, namespace string) (Store, error) {
	if namespace == "" {
		return nil, ErrInvalidKey
	}
	if err := r.client.SAdd(ctx, r.setKey(), namespace).Err(); err != nil {
		return nil, err
	}
	return &redisStore{storage: r, namespace: namespace}, nil
}

func (r *redisStorage) Has(ctx context.Context, namespace string) (bool, error) {
	return r.client.SIsMember(ctx, r.setKey(), namespace).Result()
}

func (r *redisStorage) Namespaces(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.setKey()).Result()
	if err != nil {
		return nil, err
	}
	return sortedKeys(names), nil
}

func (r *redisStorage) Delete(ctx context.Context, namespace string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.setKey(), namespace)
		pipe.Del(ctx, r.hashKey(namespace))
		return nil
	})
	if err != nil {
		return false, err
	}
	return removed.Val() > 0, nil
}

func (r *redisStorage) Close() error {
	return r.client.Close()
}

func (s *redisStore) Match(ctx context.Context, key string) (*Entry, error) {
	if err := validKey(s.namespace, key); err != nil {
		return nil, err
	}
	raw, err := s.storage.client.HGet(ctx, s.storage.hashKey(s.namespace), key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &entry, nil
}

func (s *redisStore) Put(ctx context.Context, key string, entry *Entry) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	if entry == nil {
		return errors.New("cache entry required")
	}
	stored := *entry
	stored.Key = key
	raw, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	_, err = s.storage.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.storage.setKey(), s.namespace)
		pipe.HSet(ctx, s.storage.hashKey(s.namespace), key, raw)
		return nil
	})
	return err
}

func (s *redisStore) Delete(ctx context.Context, key string) error {
	if err := validKey(s.namespace, key); err != nil {
		return err
	}
	return s.storage.client.HDel(ctx, s.storage.hashKey(s.namespace), key).Err()
}

func (s *redisStore) Keys(ctx context.Context) ([]string, error) {
	keys, err := s.storage.client.HKeys(ctx, s.storage.hashKey(s.namespace)).Result()
	if err != nil {
		return nil, err
	}
	return sortedKeys(keys), nil
}
