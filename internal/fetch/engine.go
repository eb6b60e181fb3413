package fetch

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/classify"
	"github.com/any-hub/pwa-hub/internal/isolation"
	"github.com/any-hub/pwa-hub/internal/logging"
)

// HeaderNavigationPreload 在开启导航预加载后随导航请求发往源站。
const HeaderNavigationPreload = "Service-Worker-Navigation-Preload"

// Network 是发起上游请求的最小接口，*http.Client 天然满足。
type Network interface {
	Do(req *http.Request) (*http.Response, error)
}

// NetworkFunc 允许以函数形式提供 Network，主要用于测试。
type NetworkFunc func(req *http.Request) (*http.Response, error)

// Do 实现 Network。
func (f NetworkFunc) Do(req *http.Request) (*http.Response, error) {
	return f(req)
}

// ValidationMode 决定再验证时附带的条件请求头。
type ValidationMode string

const (
	ValidationETag         ValidationMode = "etag"
	ValidationLastModified ValidationMode = "last-modified"
	ValidationNever        ValidationMode = "never"
)

// Source 标识最终响应的来源，写入日志与 X-Pwa-Hub-Source 头。
type Source string

const (
	SourceNetwork     Source = "network"
	SourceCache       Source = "cache"
	SourceOffline     Source = "offline"
	SourceSynthetic   Source = "synthetic"
	SourcePassthrough Source = "passthrough"
)

// Result 是 Serve 的返回值，Response 永不为 nil。
type Result struct {
	Response       *http.Response
	Source         Source
	Classification classify.Classification
}

// Options 描述一个 App 的 Engine 依赖。
type Options struct {
	App       string
	Domain    string
	Namespace string
	// Prefix 非空时，Activate 之前从同前缀下已存在的旧命名空间提供服务，
	// 不会读写尚未激活的 Namespace。为空时始终使用 Namespace。
	Prefix     string
	Storage    cache.Storage
	Network    Network
	Classifier *classify.Classifier
	Normalizer isolation.Normalizer
	// OfflineKey 是离线兜底文档在命名空间中的 request key。
	OfflineKey string
	Validation ValidationMode
	// Timeout > 0 时为每次上游请求附加截止时间。
	Timeout time.Duration
	Logger  *logrus.Logger
}

// Engine 执行 network-first 策略，缓存写入异步进行且失败只记录日志。
type Engine struct {
	opts    Options
	logger  *logrus.Logger
	preload atomic.Bool
	pending sync.WaitGroup

	serving   sync.RWMutex
	activated bool
}

// NewEngine 校验依赖并构造 Engine。
func NewEngine(opts Options) (*Engine, error) {
	if opts.Storage == nil {
		return nil, errors.New("fetch engine requires storage")
	}
	if opts.Network == nil {
		return nil, errors.New("fetch engine requires network")
	}
	if opts.Classifier == nil {
		return nil, errors.New("fetch engine requires classifier")
	}
	if opts.Namespace == "" {
		return nil, errors.New("fetch engine requires namespace")
	}
	switch opts.Validation {
	case "":
		opts.Validation = ValidationETag
	case ValidationETag, ValidationLastModified, ValidationNever:
	default:
		return nil, fmt.Errorf("unsupported validation mode %q", opts.Validation)
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{opts: opts, logger: logger, activated: opts.Prefix == ""}, nil
}

// Namespace 返回当前版本的命名空间。
func (e *Engine) Namespace() string {
	return e.opts.Namespace
}

// Activate 把服务切换到当前版本的命名空间，由激活流程在清理旧版本后调用。
func (e *Engine) Activate() {
	e.serving.Lock()
	e.activated = true
	e.serving.Unlock()
}

// Activated 返回当前版本是否已接管请求。
func (e *Engine) Activated() bool {
	e.serving.RLock()
	defer e.serving.RUnlock()
	return e.activated
}

// ServingNamespace 返回此刻用于读写的命名空间。
// 激活前取同前缀下排序最后的旧命名空间，没有时返回空串，请求只走网络。
func (e *Engine) ServingNamespace(ctx context.Context) (string, error) {
	if e.Activated() {
		return e.opts.Namespace, nil
	}
	names, err := e.opts.Storage.Namespaces(ctx)
	if err != nil {
		return "", err
	}
	previous := cache.StaleNamespaces(names, e.opts.Prefix, e.opts.Namespace)
	if len(previous) == 0 {
		return "", nil
	}
	return previous[len(previous)-1], nil
}

// EnablePreload 开启导航预加载，由激活流程调用。
func (e *Engine) EnablePreload() {
	e.preload.Store(true)
}

// PreloadEnabled 返回导航预加载是否已开启。
func (e *Engine) PreloadEnabled() bool {
	return e.preload.Load()
}

// Wait 阻塞直到所有已发起的缓存写入结束。
func (e *Engine) Wait() {
	e.pending.Wait()
}

// Serve 为请求选择响应：直通、网络、缓存、离线兜底或合成错误。
func (e *Engine) Serve(ctx context.Context, req *http.Request) Result {
	if ctx == nil {
		ctx = context.Background()
	}
	class := e.opts.Classifier.Classify(req)
	if class.PassThrough() {
		return e.passThrough(ctx, req, class)
	}

	store := e.open(ctx, class)
	cached := e.lookup(ctx, store, class)

	resp, cancel, err := e.fetch(ctx, req, class, cached)
	if err != nil {
		return e.fallback(ctx, store, class, cached, err)
	}

	if resp.StatusCode == http.StatusNotModified && cached != nil {
		drain(resp)
		cancel()
		return e.finish(cached.Response(), SourceCache, class)
	}

	if class.Cacheable && store != nil && resp.StatusCode == http.StatusOK {
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		cancel()
		if readErr != nil {
			return e.fallback(ctx, store, class, cached, readErr)
		}
		e.storeAsync(ctx, store, class, cache.NewEntry(class.Key, resp, body))
		resp.Body = io.NopCloser(bytes.NewReader(body))
		resp.ContentLength = int64(len(body))
		return e.finish(resp, SourceNetwork, class)
	}

	resp.Body = withCancel(resp.Body, cancel)
	return e.finish(resp, SourceNetwork, class)
}

// open 打开当前服务的命名空间；尚无可用命名空间或打开失败时返回 nil，请求只走网络。
func (e *Engine) open(ctx context.Context, class classify.Classification) cache.Store {
	namespace, err := e.ServingNamespace(ctx)
	if err == nil && namespace == "" {
		return nil
	}
	var store cache.Store
	if err == nil {
		store, err = e.opts.Storage.Open(ctx, namespace)
	}
	if err != nil {
		e.logger.WithError(err).
			WithFields(e.fields(class, "")).
			Warn("cache_open_failed")
		return nil
	}
	return store
}

func (e *Engine) passThrough(ctx context.Context, req *http.Request, class classify.Classification) Result {
	if req == nil || req.URL == nil {
		return e.finish(e.synthetic(class), SourceSynthetic, class)
	}
	fetchCtx, cancel := e.deadline(ctx)
	resp, err := e.opts.Network.Do(req.WithContext(fetchCtx))
	if err != nil {
		cancel()
		e.logger.WithError(err).
			WithFields(e.fields(class, SourceSynthetic)).
			Warn("network_failed")
		return e.finish(e.synthetic(class), SourceSynthetic, class)
	}
	resp.Body = withCancel(resp.Body, cancel)
	return e.finish(resp, SourcePassthrough, class)
}

// fetch 克隆请求并按验证模式附加条件头；返回的 cancel 需在消费完 Body 后调用。
func (e *Engine) fetch(ctx context.Context, req *http.Request, class classify.Classification, cached *cache.Entry) (*http.Response, context.CancelFunc, error) {
	fetchCtx, cancel := e.deadline(ctx)
	outbound := req.Clone(fetchCtx)
	if outbound.Header == nil {
		outbound.Header = http.Header{}
	}
	outbound.Header.Del("If-None-Match")
	outbound.Header.Del("If-Modified-Since")
	if cached != nil {
		switch e.opts.Validation {
		case ValidationETag:
			if tag := cached.Validator(); tag != "" {
				outbound.Header.Set("If-None-Match", tag)
			}
		case ValidationLastModified:
			if stamp := cached.LastModified(); stamp != "" {
				outbound.Header.Set("If-Modified-Since", stamp)
			}
		}
	}
	if class.Navigation && e.PreloadEnabled() {
		outbound.Header.Set(HeaderNavigationPreload, "true")
	}

	resp, err := e.opts.Network.Do(outbound)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	return resp, cancel, nil
}

func (e *Engine) fallback(ctx context.Context, store cache.Store, class classify.Classification, cached *cache.Entry, cause error) Result {
	e.logger.WithError(cause).
		WithFields(e.fields(class, "")).
		Warn("network_failed")

	if cached != nil {
		return e.finish(cached.Response(), SourceCache, class)
	}
	if class.Navigation && store != nil && e.opts.OfflineKey != "" {
		offline, err := store.Match(ctx, e.opts.OfflineKey)
		if err == nil {
			return e.finish(offline.Response(), SourceOffline, class)
		}
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithError(err).
				WithFields(e.fields(class, SourceOffline)).
				Warn("cache_match_failed")
		}
	}
	return e.finish(e.synthetic(class), SourceSynthetic, class)
}

func (e *Engine) lookup(ctx context.Context, store cache.Store, class classify.Classification) *cache.Entry {
	if store == nil || class.Key == "" {
		return nil
	}
	entry, err := store.Match(ctx, class.Key)
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			e.logger.WithError(err).
				WithFields(e.fields(class, "")).
				Warn("cache_match_failed")
		}
		return nil
	}
	return entry
}

// storeAsync 在独立 goroutine 中写缓存，请求取消不影响写入。
func (e *Engine) storeAsync(ctx context.Context, store cache.Store, class classify.Classification, entry *cache.Entry) {
	putCtx := context.WithoutCancel(ctx)
	e.pending.Add(1)
	go func() {
		defer e.pending.Done()
		if err := store.Put(putCtx, class.Key, entry); err != nil {
			e.logger.WithError(err).
				WithFields(e.fields(class, SourceNetwork)).
				Warn("cache_put_failed")
		}
	}()
}

func (e *Engine) synthetic(class classify.Classification) *http.Response {
	resource := class.ResourceID
	if resource == "" {
		resource = class.Key
	}
	if resource == "" {
		resource = "/"
	}
	body := fmt.Sprintf("Network error: %s is not available offline", resource)
	header := http.Header{}
	header.Set("Content-Type", "text/plain; charset=utf-8")
	return &http.Response{
		Status:        "408 " + http.StatusText(http.StatusRequestTimeout),
		StatusCode:    http.StatusRequestTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentLength: int64(len(body)),
	}
}

func (e *Engine) finish(resp *http.Response, source Source, class classify.Classification) Result {
	return Result{
		Response:       e.opts.Normalizer.Normalize(resp),
		Source:         source,
		Classification: class,
	}
}

func (e *Engine) deadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.opts.Timeout > 0 {
		return context.WithTimeout(ctx, e.opts.Timeout)
	}
	return ctx, func() {}
}

func (e *Engine) fields(class classify.Classification, source Source) logrus.Fields {
	fields := logging.RequestFields(e.opts.App, e.opts.Domain, e.opts.Namespace, string(source), class.Navigation, class.Cacheable)
	fields["key"] = class.Key
	return fields
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// cancelOnClose 在 Body 关闭时释放请求的 deadline。
type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func withCancel(body io.ReadCloser, cancel context.CancelFunc) io.ReadCloser {
	if body == nil {
		body = http.NoBody
	}
	return &cancelOnClose{ReadCloser: body, cancel: cancel}
}
