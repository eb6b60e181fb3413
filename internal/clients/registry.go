// Package clients tracks the pages currently controlled by a worker. Pages
// register themselves, identify as message senders by id and long-poll for
// commands (such as "reload") that the lifecycle controller enqueues.
package clients

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// CommandReload 让页面以当前 URL 重新导航。
const CommandReload = "reload"

// ErrUnknownClient 表示客户端未注册或已被清理。
var ErrUnknownClient = errors.New("unknown client")

// Client 是单个受控页面的快照。
type Client struct {
	ID  string `json:"id"`
	URL string `json:"url"`
	// Controller 记录认领该页面的版本号，尚未被认领时为空。
	Controller   string    `json:"controller,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// Command 是下发给页面的指令。
type Command struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

type entry struct {
	client Client
	queue  []Command
	notify chan struct{}
}

// Registry 保存一个 App 下的全部客户端，并发安全。
type Registry struct {
	mu      sync.Mutex
	clients map[string]*entry
	now     func() time.Time
}

// NewRegistry 创建空注册表。
func NewRegistry() *Registry {
	return &Registry{
		clients: make(map[string]*entry),
		now:     time.Now,
	}
}

// Register 以页面 URL 注册新客户端并分配 uuid。
func (r *Registry) Register(pageURL string) Client {
	now := r.now().UTC()
	client := Client{
		ID:           uuid.NewString(),
		URL:          pageURL,
		RegisteredAt: now,
		LastSeen:     now,
	}
	r.mu.Lock()
	r.clients[client.ID] = &entry{client: client, notify: make(chan struct{}, 1)}
	r.mu.Unlock()
	return client
}

// Unregister 移除客户端，返回其此前是否存在。
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	delete(r.clients, id)
	close(e.notify)
	return true
}

// Touch 刷新活跃时间，pageURL 非空时同步更新页面地址。
func (r *Registry) Touch(id, pageURL string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	e.client.LastSeen = r.now().UTC()
	if pageURL != "" {
		e.client.URL = pageURL
	}
	return true
}

// Get 返回客户端快照。
func (r *Registry) Get(id string) (Client, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return Client{}, false
	}
	return e.client, true
}

// Exists 判断 id 是否为已注册客户端。
func (r *Registry) Exists(id string) bool {
	if id == "" {
		return false
	}
	_, ok := r.Get(id)
	return ok
}

// List 按注册时间返回全部客户端。
func (r *Registry) List() []Client {
	r.mu.Lock()
	result := make([]Client, 0, len(r.clients))
	for _, e := range r.clients {
		result = append(result, e.client)
	}
	r.mu.Unlock()

	sort.Slice(result, func(i, j int) bool {
		if result[i].RegisteredAt.Equal(result[j].RegisteredAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].RegisteredAt.Before(result[j].RegisteredAt)
	})
	return result
}

// Len 返回当前客户端数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.clients)
}

// Claim 将全部客户端的控制者切换为 version，返回受影响数量。
func (r *Registry) Claim(version string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.clients {
		e.client.Controller = version
	}
	return len(r.clients)
}

// Reload 为单个客户端排入 reload 指令。
func (r *Registry) Reload(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return false
	}
	e.enqueue(Command{Type: CommandReload, URL: e.client.URL})
	return true
}

// ReloadAll 让每个客户端以其当前 URL 重新导航。
func (r *Registry) ReloadAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.clients {
		e.enqueue(Command{Type: CommandReload, URL: e.client.URL})
	}
	return len(r.clients)
}

// Next 取走客户端待处理的指令；队列为空时最多等待 wait。
// 超时返回空切片，客户端被注销或未知时返回 ErrUnknownClient。
func (r *Registry) Next(ctx context.Context, id string, wait time.Duration) ([]Command, error) {
	commands, notify, err := r.drain(id)
	if err != nil || len(commands) > 0 || wait <= 0 {
		return commands, err
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return []Command{}, nil
	case _, ok := <-notify:
		if !ok {
			return nil, ErrUnknownClient
		}
	}
	commands, _, err = r.drain(id)
	return commands, err
}

func (r *Registry) drain(id string) ([]Command, <-chan struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.clients[id]
	if !ok {
		return nil, nil, ErrUnknownClient
	}
	e.client.LastSeen = r.now().UTC()
	commands := e.queue
	e.queue = nil
	if commands == nil {
		commands = []Command{}
	}
	return commands, e.notify, nil
}

// Prune 清理超过 maxIdle 未活跃的客户端，返回清理数量。
func (r *Registry) Prune(maxIdle time.Duration) int {
	if maxIdle <= 0 {
		return 0
	}
	cutoff := r.now().UTC().Add(-maxIdle)
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for id, e := range r.clients {
		if e.client.LastSeen.Before(cutoff) {
			delete(r.clients, id)
			close(e.notify)
			removed++
		}
	}
	return removed
}

func (e *entry) enqueue(cmd Command) {
	e.queue = append(e.queue, cmd)
	select {
	case e.notify <- struct{}{}:
	default:
	}
}
