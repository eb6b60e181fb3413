package cache

import (
	"context"
	"net/http"
	"testing"

	"github.com/any-hub/pwa-hub/internal/config"
)

func TestTieredStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		storage, err := NewTieredStorage(NewMemoryStorage(), 2)
		if err != nil {
			t.Fatalf("create tiered storage: %v", err)
		}
		return storage
	})
}

func TestTieredStorageKeepsEvictedEntries(t *testing.T) {
	base := NewMemoryStorage()
	storage, err := NewTieredStorage(base, 1)
	if err != nil {
		t.Fatalf("create tiered storage: %v", err)
	}
	ctx := context.Background()
	store, _ := storage.Open(ctx, "game-sw-cache-v1")
	for _, key := range []string{"/a", "/b", "/c"} {
		if err := store.Put(ctx, key, NewEntry(key, &http.Response{StatusCode: http.StatusOK}, []byte(key))); err != nil {
			t.Fatalf("put error: %v", err)
		}
	}
	entry, err := store.Match(ctx, "/a")
	if err != nil || string(entry.Body) != "/a" {
		t.Fatalf("热层淘汰后仍应从持久层读取: %v %v", entry, err)
	}
}

func TestTieredStorageSeesBaseWrites(t *testing.T) {
	base := NewMemoryStorage()
	storage, _ := NewTieredStorage(base, 4)
	ctx := context.Background()
	store, _ := storage.Open(ctx, "game-sw-cache-v1")
	_ = store.Put(ctx, "/a", NewEntry("/a", &http.Response{StatusCode: http.StatusOK}, []byte("old")))

	if _, err := storage.Delete(ctx, "game-sw-cache-v1"); err != nil {
		t.Fatalf("delete error: %v", err)
	}
	reopened, _ := storage.Open(ctx, "game-sw-cache-v1")
	if _, err := reopened.Match(ctx, "/a"); err != ErrNotFound {
		t.Fatalf("命名空间删除后热层也应失效, got %v", err)
	}
}

func TestOpenStorageSelectsDriver(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		name   string
		cfg    config.GlobalConfig
		hasErr bool
	}{
		{"memory", config.GlobalConfig{StorageDriver: config.StorageDriverMemory}, false},
		{"fs", config.GlobalConfig{StorageDriver: config.StorageDriverFS, StoragePath: t.TempDir()}, false},
		{"sqlite", config.GlobalConfig{StorageDriver: config.StorageDriverSQLite, StoragePath: t.TempDir()}, false},
		{"tiered", config.GlobalConfig{StorageDriver: config.StorageDriverMemory, MemoryCacheEntries: 8}, false},
		{"unknown", config.GlobalConfig{StorageDriver: "bolt"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			storage, err := OpenStorage(ctx, tc.cfg)
			if tc.hasErr {
				if err == nil {
					t.Fatalf("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("open storage: %v", err)
			}
			defer storage.Close()
			if tc.cfg.MemoryCacheEntries > 0 {
				if _, ok := storage.(*tieredStorage); !ok {
					t.Fatalf("MemoryCacheEntries>0 应启用热层, got %T", storage)
				}
			}
		})
	}
}
