package server

import (
	"testing"

	"github.com/any-hub/pwa-hub/internal/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{ListenPort: 5000},
		Apps: []config.AppConfig{
			{
				Name:        "orchestrator",
				Domain:      "play.local",
				Upstream:    "https://origin.example.com/game",
				Version:     "v1",
				CachePrefix: "Orchestrator-sw-cache-",
			},
			{
				Name:        "docs",
				Domain:      "Docs.Local.",
				Upstream:    "https://docs.example.com/",
				Version:     "2024",
				CachePrefix: "docs-cache-",
			},
		},
	}
}

func TestAppRegistryLookupByHost(t *testing.T) {
	registry, err := NewAppRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	route, ok := registry.Lookup("play.local")
	if !ok {
		t.Fatalf("expected orchestrator route")
	}
	if route.Config.Name != "orchestrator" {
		t.Errorf("wrong app returned: %s", route.Config.Name)
	}
	if route.UpstreamURL.String() != "https://origin.example.com/game/" {
		t.Errorf("上游目录应以 / 结尾: %s", route.UpstreamURL)
	}
	if route.Namespace != "Orchestrator-sw-cache-v1" {
		t.Errorf("命名空间错误: %s", route.Namespace)
	}
	if route.ListenPort != 5000 {
		t.Errorf("监听端口错误: %d", route.ListenPort)
	}
}

func TestAppRegistryNormalizesHost(t *testing.T) {
	registry, err := NewAppRegistry(testConfig())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, host := range []string{"docs.local", "DOCS.local:5000", "docs.local."} {
		if route, ok := registry.Lookup(host); !ok || route.Config.Name != "docs" {
			t.Fatalf("host %s 应命中 docs", host)
		}
	}
	if _, ok := registry.Lookup("unknown.local"); ok {
		t.Fatalf("未知 host 不应命中")
	}
}

func TestAppRegistryRejectsDuplicateDomain(t *testing.T) {
	cfg := testConfig()
	cfg.Apps[1].Domain = "PLAY.local"
	if _, err := NewAppRegistry(cfg); err == nil {
		t.Fatalf("重复域名应报错")
	}
}

func TestAppRegistryListKeepsOrder(t *testing.T) {
	registry, _ := NewAppRegistry(testConfig())
	list := registry.List()
	if len(list) != 2 || list[0].Config.Name != "orchestrator" || list[1].Config.Name != "docs" {
		t.Fatalf("List 顺序错误: %+v", list)
	}
}
