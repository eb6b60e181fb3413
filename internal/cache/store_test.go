package cache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"testing"
)

// runStorageSuite 对任意驱动执行同一组行为校验。
func runStorageSuite(t *testing.T, newStorage func(t *testing.T) Storage) {
	t.Run("put and match", func(t *testing.T) {
		storage := newStorage(t)
		ctx := context.Background()
		store, err := storage.Open(ctx, "game-sw-cache-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}

		header := http.Header{}
		header.Set("ETag", `"abc"`)
		header.Set("Content-Type", "application/wasm")
		resp := &http.Response{StatusCode: http.StatusOK, Status: "200 OK", Header: header}
		payload := []byte{0x00, 0x61, 0x73, 0x6d, 0xff}
		if err := store.Put(ctx, "/game/index.wasm", NewEntry("/game/index.wasm", resp, payload)); err != nil {
			t.Fatalf("put error: %v", err)
		}

		entry, err := store.Match(ctx, "/game/index.wasm")
		if err != nil {
			t.Fatalf("match error: %v", err)
		}
		if string(entry.Body) != string(payload) {
			t.Fatalf("缓存正文应逐字节一致: %v", entry.Body)
		}
		if entry.StatusCode != http.StatusOK || entry.Validator() != `"abc"` {
			t.Fatalf("元信息不一致: %+v", entry)
		}
		if entry.Header.Get("Content-Type") != "application/wasm" {
			t.Fatalf("头部未保留: %v", entry.Header)
		}

		rebuilt := entry.Response()
		body, _ := io.ReadAll(rebuilt.Body)
		if string(body) != string(payload) {
			t.Fatalf("Response() 正文不一致")
		}
	})

	t.Run("missing entry", func(t *testing.T) {
		storage := newStorage(t)
		ctx := context.Background()
		store, err := storage.Open(ctx, "game-sw-cache-v1")
		if err != nil {
			t.Fatalf("open error: %v", err)
		}
		if _, err := store.Match(ctx, "/missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("last write wins", func(t *testing.T) {
		storage := newStorage(t)
		ctx := context.Background()
		store, _ := storage.Open(ctx, "game-sw-cache-v1")
		for _, body := range []string{"first", "second"} {
			entry := NewEntry("/game/index.js", &http.Response{StatusCode: http.StatusOK}, []byte(body))
			if err := store.Put(ctx, "/game/index.js", entry); err != nil {
				t.Fatalf("put error: %v", err)
			}
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			t.Fatalf("keys error: %v", err)
		}
		if len(keys) != 1 || keys[0] != "/game/index.js" {
			t.Fatalf("同一 key 至多一条记录: %v", keys)
		}
		entry, err := store.Match(ctx, "/game/index.js")
		if err != nil || string(entry.Body) != "second" {
			t.Fatalf("应以最后一次写入为准: %v %v", entry, err)
		}
	})

	t.Run("delete entry", func(t *testing.T) {
		storage := newStorage(t)
		ctx := context.Background()
		store, _ := storage.Open(ctx, "game-sw-cache-v1")
		_ = store.Put(ctx, "/game/index.pck", NewEntry("/game/index.pck", &http.Response{StatusCode: http.StatusOK}, []byte("pck")))
		if err := store.Delete(ctx, "/game/index.pck"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		if _, err := store.Match(ctx, "/game/index.pck"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("删除后应返回 ErrNotFound, got %v", err)
		}
		if err := store.Delete(ctx, "/game/index.pck"); err != nil {
			t.Fatalf("重复删除不应报错: %v", err)
		}
	})

	t.Run("namespaces", func(t *testing.T) {
		storage := newStorage(t)
		ctx := context.Background()
		for _, ns := range []string{"game-sw-cache-v2", "game-sw-cache-v1", "other-cache-v1"} {
			if _, err := storage.Open(ctx, ns); err != nil {
				t.Fatalf("open %s error: %v", ns, err)
			}
		}
		names, err := storage.Namespaces(ctx)
		if err != nil {
			t.Fatalf("namespaces error: %v", err)
		}
		if len(names) != 3 || names[0] != "game-sw-cache-v1" {
			t.Fatalf("命名空间列表异常: %v", names)
		}

		ok, err := storage.Has(ctx, "game-sw-cache-v2")
		if err != nil || !ok {
			t.Fatalf("Has 应返回 true: %v %v", ok, err)
		}

		deleted, err := storage.Delete(ctx, "game-sw-cache-v1")
		if err != nil || !deleted {
			t.Fatalf("删除已存在命名空间应返回 true: %v %v", deleted, err)
		}
		deleted, err = storage.Delete(ctx, "game-sw-cache-v1")
		if err != nil || deleted {
			t.Fatalf("删除不存在命名空间应返回 false: %v %v", deleted, err)
		}
		if ok, _ := storage.Has(ctx, "game-sw-cache-v1"); ok {
			t.Fatalf("删除后 Has 应返回 false")
		}
	})

	t.Run("delete drops entries", func(t *testing.T) {
		storage := newStorage(t)
		ctx := context.Background()
		store, _ := storage.Open(ctx, "game-sw-cache-v1")
		_ = store.Put(ctx, "/game/index.html", NewEntry("/game/index.html", &http.Response{StatusCode: http.StatusOK}, []byte("<html>")))
		if _, err := storage.Delete(ctx, "game-sw-cache-v1"); err != nil {
			t.Fatalf("delete error: %v", err)
		}
		reopened, err := storage.Open(ctx, "game-sw-cache-v1")
		if err != nil {
			t.Fatalf("reopen error: %v", err)
		}
		if _, err := reopened.Match(ctx, "/game/index.html"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("命名空间删除后条目应一并消失, got %v", err)
		}
	})

	t.Run("empty key", func(t *testing.T) {
		storage := newStorage(t)
		ctx := context.Background()
		if _, err := storage.Open(ctx, ""); err == nil {
			t.Fatalf("空命名空间应报错")
		}
		store, _ := storage.Open(ctx, "game-sw-cache-v1")
		if _, err := store.Match(ctx, ""); !errors.Is(err, ErrInvalidKey) {
			t.Fatalf("空 key 应返回 ErrInvalidKey, got %v", err)
		}
	})
}

func TestMemoryStorage(t *testing.T) {
	runStorageSuite(t, func(t *testing.T) Storage {
		return NewMemoryStorage()
	})
}

func TestNamespaceHelpers(t *testing.T) {
	if got := Namespace("Orchestrator-sw-cache-", "v2"); got != "Orchestrator-sw-cache-v2" {
		t.Fatalf("命名空间拼接错误: %s", got)
	}
	if !IsStale("Orchestrator-sw-cache-v1", "Orchestrator-sw-cache-", "Orchestrator-sw-cache-v2") {
		t.Fatalf("同前缀旧版本应视为过期")
	}
	if IsStale("Orchestrator-sw-cache-v2", "Orchestrator-sw-cache-", "Orchestrator-sw-cache-v2") {
		t.Fatalf("当前命名空间不应视为过期")
	}
	stale := StaleNamespaces([]string{"x-cache-v1", "Orchestrator-sw-cache-v2", "Orchestrator-sw-cache-v0", "Orchestrator-sw-cache-v1"}, "Orchestrator-sw-cache-", "Orchestrator-sw-cache-v2")
	if len(stale) != 2 || stale[0] != "Orchestrator-sw-cache-v0" || stale[1] != "Orchestrator-sw-cache-v1" {
		t.Fatalf("过期命名空间计算错误: %v", stale)
	}
	owned := OwnedNamespaces([]string{"x-cache-v1", "Orchestrator-sw-cache-v2", "Orchestrator-sw-cache-v1"}, "Orchestrator-sw-cache-")
	if len(owned) != 2 || owned[0] != "Orchestrator-sw-cache-v1" {
		t.Fatalf("前缀命名空间筛选错误: %v", owned)
	}
}

func TestEntryResponseIsIndependent(t *testing.T) {
	entry := NewEntry("/a", &http.Response{StatusCode: http.StatusOK, Header: http.Header{"X-A": {"1"}}}, []byte("body"))
	first := entry.Response()
	second := entry.Response()
	first.Header.Set("X-A", "changed")
	_, _ = io.ReadAll(first.Body)

	body, _ := io.ReadAll(second.Body)
	if string(body) != "body" {
		t.Fatalf("每次 Response() 应拥有独立正文")
	}
	if second.Header.Get("X-A") != "1" || entry.Header.Get("X-A") != "1" {
		t.Fatalf("头部应相互独立")
	}
	if second.Status != "200 OK" {
		t.Fatalf("缺省状态文本应补齐, got %q", second.Status)
	}
}
