package clients

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRegisterAndGet(t *testing.T) {
	registry := NewRegistry()
	client := registry.Register("https://play.local/index.html")
	if client.ID == "" {
		t.Fatalf("应分配客户端 ID")
	}
	got, ok := registry.Get(client.ID)
	if !ok || got.URL != "https://play.local/index.html" {
		t.Fatalf("Get 返回异常: %+v %v", got, ok)
	}
	if !registry.Exists(client.ID) || registry.Exists("") || registry.Exists("nope") {
		t.Fatalf("Exists 判断错误")
	}
	if registry.Len() != 1 {
		t.Fatalf("客户端数量错误: %d", registry.Len())
	}
}

func TestUnregister(t *testing.T) {
	registry := NewRegistry()
	client := registry.Register("https://play.local/")
	if !registry.Unregister(client.ID) {
		t.Fatalf("注销已注册客户端应返回 true")
	}
	if registry.Unregister(client.ID) {
		t.Fatalf("重复注销应返回 false")
	}
	if _, err := registry.Next(context.Background(), client.ID, 0); !errors.Is(err, ErrUnknownClient) {
		t.Fatalf("注销后 Next 应返回 ErrUnknownClient, got %v", err)
	}
}

func TestClaimSetsController(t *testing.T) {
	registry := NewRegistry()
	a := registry.Register("https://play.local/a")
	b := registry.Register("https://play.local/b")
	if n := registry.Claim("v2"); n != 2 {
		t.Fatalf("应认领全部客户端, got %d", n)
	}
	for _, id := range []string{a.ID, b.ID} {
		client, _ := registry.Get(id)
		if client.Controller != "v2" {
			t.Fatalf("控制者未更新: %+v", client)
		}
	}
}

func TestReloadAllUsesCurrentURL(t *testing.T) {
	registry := NewRegistry()
	client := registry.Register("https://play.local/index.html")
	registry.Touch(client.ID, "https://play.local/index.html?level=3")

	if n := registry.ReloadAll(); n != 1 {
		t.Fatalf("ReloadAll 数量错误: %d", n)
	}
	commands, err := registry.Next(context.Background(), client.ID, 0)
	if err != nil {
		t.Fatalf("Next error: %v", err)
	}
	if len(commands) != 1 || commands[0].Type != CommandReload || commands[0].URL != "https://play.local/index.html?level=3" {
		t.Fatalf("reload 指令异常: %+v", commands)
	}
	again, _ := registry.Next(context.Background(), client.ID, 0)
	if len(again) != 0 {
		t.Fatalf("指令应只下发一次: %+v", again)
	}
}

func TestNextWaitsForCommand(t *testing.T) {
	registry := NewRegistry()
	client := registry.Register("https://play.local/")

	done := make(chan []Command, 1)
	go func() {
		commands, _ := registry.Next(context.Background(), client.ID, 2*time.Second)
		done <- commands
	}()

	time.Sleep(20 * time.Millisecond)
	registry.Reload(client.ID)

	select {
	case commands := <-done:
		if len(commands) != 1 {
			t.Fatalf("长轮询应收到指令: %+v", commands)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("长轮询未被唤醒")
	}
}

func TestNextTimesOutEmpty(t *testing.T) {
	registry := NewRegistry()
	client := registry.Register("https://play.local/")
	commands, err := registry.Next(context.Background(), client.ID, 10*time.Millisecond)
	if err != nil || len(commands) != 0 {
		t.Fatalf("超时应返回空列表: %v %v", commands, err)
	}
}

func TestNextHonoursContext(t *testing.T) {
	registry := NewRegistry()
	client := registry.Register("https://play.local/")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := registry.Next(ctx, client.ID, time.Second); !errors.Is(err, context.Canceled) {
		t.Fatalf("ctx 取消应返回错误, got %v", err)
	}
}

func TestPruneRemovesIdleClients(t *testing.T) {
	registry := NewRegistry()
	now := time.Date(2025, 7, 29, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return now }

	idle := registry.Register("https://play.local/idle")
	now = now.Add(5 * time.Minute)
	active := registry.Register("https://play.local/active")

	if removed := registry.Prune(2 * time.Minute); removed != 1 {
		t.Fatalf("应清理 1 个闲置客户端, got %d", removed)
	}
	if registry.Exists(idle.ID) || !registry.Exists(active.ID) {
		t.Fatalf("清理结果错误")
	}
}

func TestListOrderedByRegistration(t *testing.T) {
	registry := NewRegistry()
	now := time.Date(2025, 7, 29, 12, 0, 0, 0, time.UTC)
	registry.now = func() time.Time { return now }
	first := registry.Register("https://play.local/1")
	now = now.Add(time.Second)
	second := registry.Register("https://play.local/2")

	list := registry.List()
	if len(list) != 2 || list[0].ID != first.ID || list[1].ID != second.ID {
		t.Fatalf("List 顺序错误: %+v", list)
	}
}
