package config

import (
	"testing"
	"time"
)

func TestLoadFailsWithMissingFields(t *testing.T) {
	if _, err := Load(testConfigPath(t, "missing.toml")); err == nil {
		t.Fatalf("缺失字段的配置应返回错误")
	}
}

func TestLoadRejectsInvalidDuration(t *testing.T) {
	cfg := `
LogLevel = "info"
StoragePath = "./data"
UpstreamTimeout = "boom"

[[App]]
Name = "game"
Domain = "game.local"
Upstream = "https://origin.example.com/"
Version = "v1"
OfflineFallback = "index.offline.html"
`
	path := writeTempConfig(t, cfg)
	if _, err := Load(path); err == nil {
		t.Fatalf("无效 Duration 应失败")
	}
}

func TestLoadDerivesCachePrefixFromName(t *testing.T) {
	cfg := `
StorageDriver = "memory"

[[App]]
Name = "game"
Domain = "game.local"
Upstream = "https://origin.example.com/"
Version = "v7"
OfflineFallback = "index.offline.html"
FetchTimeout = 5
EnsureIsolationHeaders = false
ValidationMode = "Last-Modified"
`
	loaded, err := Load(writeTempConfig(t, cfg))
	if err != nil {
		t.Fatalf("Load 返回错误: %v", err)
	}
	app := loaded.Apps[0]
	if app.CachePrefix != "game-sw-cache-" {
		t.Fatalf("未配置 CachePrefix 时应按 Name 推导，得到 %s", app.CachePrefix)
	}
	if app.FetchTimeout.DurationValue() != 5*time.Second {
		t.Fatalf("纯数字 FetchTimeout 应按秒解析，得到 %s", app.FetchTimeout.DurationValue())
	}
	if app.IsolationEnabled() {
		t.Fatalf("EnsureIsolationHeaders=false 应生效")
	}
	if app.ValidationMode != ValidationModeLastModified {
		t.Fatalf("ValidationMode 应归一化为小写，得到 %s", app.ValidationMode)
	}
}

func TestLoadRejectsAppLevelPort(t *testing.T) {
	cfg := `
StorageDriver = "memory"

[[App]]
Name = "game"
Domain = "game.local"
Port = 6000
Upstream = "https://origin.example.com/"
Version = "v1"
OfflineFallback = "index.offline.html"
`
	if _, err := Load(writeTempConfig(t, cfg)); err == nil {
		t.Fatalf("App 级 Port 应被拒绝")
	}
}
