package cache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Storage 管理全部命名空间，语义对齐浏览器的 CacheStorage：
// Open 不存在时创建，Delete 返回命名空间此前是否存在。
type Storage interface {
	Open(ctx context.Context, namespace string) (Store, error)
	Has(ctx context.Context, namespace string) (bool, error)
	Namespaces(ctx context.Context) ([]string, error)
	Delete(ctx context.Context, namespace string) (bool, error)
	Close() error
}

// Store 是单个命名空间内的 request key → response 快照集合。
// 每个 key 至多一条记录，并发写入同一 key 以最后一次为准。
type Store interface {
	// Match 返回 key 对应的缓存条目，不存在时返回 ErrNotFound。
	Match(ctx context.Context, key string) (*Entry, error)

	// Put 写入或覆盖条目，实现需保证单 key 写入原子。
	Put(ctx context.Context, key string, entry *Entry) error

	// Delete 删除单个条目，条目不存在不视为错误。
	Delete(ctx context.Context, key string) error

	// Keys 返回命名空间内全部 key，按字典序排列。
	Keys(ctx context.Context) ([]string, error)
}

// Entry 是一次响应的完整快照；Validator 取自响应头中的 ETag。
type Entry struct {
	Key        string      `json:"key"`
	StatusCode int         `json:"status_code"`
	Status     string      `json:"status"`
	Header     http.Header `json:"header"`
	Body       []byte      `json:"body,omitempty"`
	StoredAt   time.Time   `json:"stored_at"`
}

var (
	// ErrNotFound 表示缓存不存在。
	ErrNotFound = errors.New("cache entry not found")
	// ErrInvalidKey 表示 key 或命名空间为空。
	ErrInvalidKey = errors.New("cache key required")
)

// NewEntry 根据响应元信息与已读取的正文构造条目，头部会被深拷贝。
func NewEntry(key string, resp *http.Response, body []byte) *Entry {
	entry := &Entry{
		Key:      key,
		Header:   http.Header{},
		Body:     append([]byte(nil), body...),
		StoredAt: time.Now().UTC(),
	}
	if resp != nil {
		entry.StatusCode = resp.StatusCode
		entry.Status = resp.Status
		if resp.Header != nil {
			entry.Header = resp.Header.Clone()
		}
	}
	if entry.Status == "" && entry.StatusCode != 0 {
		entry.Status = statusLine(entry.StatusCode)
	}
	return entry
}

// Validator 返回可用于 If-None-Match 的实体标签。
func (e *Entry) Validator() string {
	if e == nil || e.Header == nil {
		return ""
	}
	return e.Header.Get("ETag")
}

// LastModified 返回可用于 If-Modified-Since 的时间戳原文。
func (e *Entry) LastModified() string {
	if e == nil || e.Header == nil {
		return ""
	}
	return e.Header.Get("Last-Modified")
}

// Response 以条目重建一个独立的 *http.Response，每次调用都拥有新的 Body。
func (e *Entry) Response() *http.Response {
	header := http.Header{}
	if e.Header != nil {
		header = e.Header.Clone()
	}
	status := e.Status
	if status == "" {
		status = statusLine(e.StatusCode)
	}
	return &http.Response{
		Status:        status,
		StatusCode:    e.StatusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(e.Body)),
		ContentLength: int64(len(e.Body)),
	}
}

// Clone 返回深拷贝，内存类驱动借此避免调用方修改共享数据。
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	cloned := *e
	if e.Header != nil {
		cloned.Header = e.Header.Clone()
	}
	cloned.Body = append([]byte(nil), e.Body...)
	return &cloned
}

// Namespace 拼接命名空间名称：固定前缀 + 版本号。
func Namespace(prefix, version string) string {
	return prefix + version
}

// StaleNamespaces 返回 names 中与 prefix 匹配但不是 current 的命名空间，结果有序。
func StaleNamespaces(names []string, prefix, current string) []string {
	var stale []string
	for _, name := range names {
		if IsStale(name, prefix, current) {
			stale = append(stale, name)
		}
	}
	sort.Strings(stale)
	return stale
}

// OwnedNamespaces 返回 names 中以 prefix 开头的命名空间，结果有序。
func OwnedNamespaces(names []string, prefix string) []string {
	owned := []string{}
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			owned = append(owned, name)
		}
	}
	sort.Strings(owned)
	return owned
}

func statusLine(code int) string {
	text := http.StatusText(code)
	if text == "" {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code) + " " + text
}

func validKey(namespace, key string) error {
	if namespace == "" || key == "" {
		return ErrInvalidKey
	}
	return nil
}

func sortedKeys(keys []string) []string {
	sort.Strings(keys)
	return keys
}

// IsStale 判断 name 是否为同前缀下的旧版本命名空间。
func IsStale(name, prefix, current string) bool {
	return strings.HasPrefix(name, prefix) && name != current
}
