package cache

import (
	"context"
	"fmt"

	"github.com/any-hub/pwa-hub/internal/config"
)

// OpenStorage 按全局配置选择驱动，并在 MemoryCacheEntries > 0 时叠加 LRU 热层。
func OpenStorage(ctx context.Context, cfg config.GlobalConfig) (Storage, error) {
	var (
		storage Storage
		err     error
	)
	switch cfg.StorageDriver {
	case "", config.StorageDriverFS:
		storage, err = NewFileStorage(cfg.StoragePath)
	case config.StorageDriverMemory:
		storage = NewMemoryStorage()
	case config.StorageDriverSQLite:
		storage, err = NewSQLiteStorage(cfg.StoragePath)
	case config.StorageDriverRedis:
		storage, err = NewRedisStorage(ctx, RedisOptions{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}

	if cfg.MemoryCacheEntries > 0 {
		tiered, err := NewTieredStorage(storage, cfg.MemoryCacheEntries)
		if err != nil {
			_ = storage.Close()
			return nil, err
		}
		return tiered, nil
	}
	return storage, nil
}
