package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/logging"
)

// State 对应 service worker 的生命周期阶段。
type State string

const (
	StateParsed     State = "parsed"
	StateInstalling State = "installing"
	StateInstalled  State = "installed"
	StateActivating State = "activating"
	StateActivated  State = "activated"
	StateRedundant  State = "redundant"
)

// 受支持的控制消息。
const (
	MessageClaim  = "claim"
	MessageClear  = "clear"
	MessageUpdate = "update"
)

// Outcome 描述一条控制消息的处理结果。
type Outcome string

const (
	OutcomeIgnoredOrigin  Outcome = "ignored_origin"
	OutcomeIgnoredClient  Outcome = "ignored_client"
	OutcomeIgnoredCommand Outcome = "ignored_command"
	OutcomeClaimed        Outcome = "claimed"
	OutcomeCleared        Outcome = "cleared"
	OutcomeUpdated        Outcome = "updated"
	OutcomeFailed         Outcome = "failed"
)

// Message 是页面发来的控制消息。
type Message struct {
	Data     string
	Origin   string
	SourceID string
}

// Clients 是控制器所需的客户端能力，clients.Registry 满足该接口。
type Clients interface {
	Exists(id string) bool
	Claim(version string) int
	ReloadAll() int
}

// PreloadEnabler 由支持导航预加载的组件实现，fetch.Engine 满足该接口。
type PreloadEnabler interface {
	EnablePreload()
}

// Serving 由对外响应请求的组件实现，fetch.Engine 满足该接口。
// 激活成功前它继续使用旧版本的命名空间。
type Serving interface {
	Activate()
	ServingNamespace(ctx context.Context) (string, error)
}

// Options 描述单个 App 的控制器依赖。
type Options struct {
	App     string
	Prefix  string
	Version string
	Storage cache.Storage
	Network fetch.Network
	// Upstream 是资源标识的解析基准，路径需以 "/" 结尾。
	Upstream *url.URL
	Eager    []string
	// Preload 为 nil 时激活阶段跳过导航预加载。
	Preload PreloadEnabler
	// Serving 为 nil 时 clear 只删除当前版本的命名空间。
	Serving Serving
	Clients Clients
	Logger  *logrus.Logger
}

// Controller 串行执行 install/activate，并处理控制消息。
type Controller struct {
	opts      Options
	namespace string
	logger    *logrus.Logger

	run   sync.Mutex
	mu    sync.RWMutex
	state State
}

// NewController 校验依赖并返回处于 parsed 状态的控制器。
func NewController(opts Options) (*Controller, error) {
	if opts.Storage == nil {
		return nil, errors.New("lifecycle requires storage")
	}
	if opts.Network == nil {
		return nil, errors.New("lifecycle requires network")
	}
	if opts.Upstream == nil {
		return nil, errors.New("lifecycle requires upstream base")
	}
	if opts.Prefix == "" || opts.Version == "" {
		return nil, errors.New("lifecycle requires cache prefix and version")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	return &Controller{
		opts:      opts,
		namespace: cache.Namespace(opts.Prefix, opts.Version),
		logger:    logger,
		state:     StateParsed,
	}, nil
}

// Namespace 返回当前版本的缓存命名空间。
func (c *Controller) Namespace() string {
	return c.namespace
}

// State 返回当前生命周期阶段。
func (c *Controller) State() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Controller) setState(state State) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

// Install 并发拉取全部 eager 资源，全部 200 后才写入当前命名空间。
// 任一资源失败时不写入任何条目，状态变为 redundant。已激活时直接返回。
func (c *Controller) Install(ctx context.Context) error {
	c.run.Lock()
	defer c.run.Unlock()
	if c.State() == StateActivated {
		return nil
	}
	return c.install(ctx)
}

func (c *Controller) install(ctx context.Context) error {
	c.setState(StateInstalling)
	fields := logging.LifecycleFields("install", c.opts.App, c.namespace)

	entries := make([]*cache.Entry, len(c.opts.Eager))
	group, groupCtx := errgroup.WithContext(ctx)
	for i, id := range c.opts.Eager {
		group.Go(func() error {
			entry, err := c.precache(groupCtx, id)
			if err != nil {
				return fmt.Errorf("precache %s: %w", id, err)
			}
			entries[i] = entry
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		c.setState(StateRedundant)
		c.logger.WithError(err).WithFields(fields).Error("install_failed")
		return err
	}

	store, err := c.opts.Storage.Open(ctx, c.namespace)
	if err != nil {
		c.setState(StateRedundant)
		c.logger.WithError(err).WithFields(fields).Error("install_failed")
		return fmt.Errorf("open namespace %s: %w", c.namespace, err)
	}
	for _, entry := range entries {
		if err := store.Put(ctx, entry.Key, entry); err != nil {
			c.setState(StateRedundant)
			c.logger.WithError(err).WithFields(fields).Error("install_failed")
			return fmt.Errorf("store %s: %w", entry.Key, err)
		}
	}

	c.setState(StateInstalled)
	fields["resources"] = len(entries)
	c.logger.WithFields(fields).Info("install_complete")
	return nil
}

func (c *Controller) precache(ctx context.Context, id string) (*cache.Entry, error) {
	target := c.ResourceURL(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.Network.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return cache.NewEntry(target.RequestURI(), resp, body), nil
}

// ResourceURL 把资源标识解析到上游目录下。
func (c *Controller) ResourceURL(id string) *url.URL {
	return c.opts.Upstream.ResolveReference(&url.URL{Path: id})
}

// Activate 删除同前缀的旧命名空间，随后开启导航预加载。
func (c *Controller) Activate(ctx context.Context) error {
	c.run.Lock()
	defer c.run.Unlock()
	return c.activate(ctx)
}

func (c *Controller) activate(ctx context.Context) error {
	switch c.State() {
	case StateActivated:
		return nil
	case StateInstalled:
	default:
		return fmt.Errorf("cannot activate from state %s", c.State())
	}
	c.setState(StateActivating)
	fields := logging.LifecycleFields("activate", c.opts.App, c.namespace)

	names, err := c.opts.Storage.Namespaces(ctx)
	if err != nil {
		c.setState(StateInstalled)
		return fmt.Errorf("list namespaces: %w", err)
	}
	stale := cache.StaleNamespaces(names, c.opts.Prefix, c.namespace)
	for _, name := range stale {
		if _, err := c.opts.Storage.Delete(ctx, name); err != nil {
			c.setState(StateInstalled)
			return fmt.Errorf("delete namespace %s: %w", name, err)
		}
	}

	if c.opts.Serving != nil {
		c.opts.Serving.Activate()
	}
	if c.opts.Preload != nil {
		c.opts.Preload.EnablePreload()
	}
	c.setState(StateActivated)
	fields["evicted"] = stale
	fields["preload"] = c.opts.Preload != nil
	c.logger.WithFields(fields).Info("activate_complete")
	return nil
}

// Start 依次执行 install 与 activate；已激活时直接返回。
func (c *Controller) Start(ctx context.Context) error {
	c.run.Lock()
	defer c.run.Unlock()
	return c.start(ctx)
}

func (c *Controller) start(ctx context.Context) error {
	switch c.State() {
	case StateActivated:
		return nil
	case StateInstalled:
	default:
		if err := c.install(ctx); err != nil {
			return err
		}
	}
	return c.activate(ctx)
}

// HandleMessage 处理页面控制消息：跨源或未知客户端的消息被丢弃。
func (c *Controller) HandleMessage(ctx context.Context, selfOrigin string, msg Message) (Outcome, error) {
	fields := logging.LifecycleFields("message", c.opts.App, c.namespace)
	fields["command"] = msg.Data
	fields["client_id"] = msg.SourceID

	if !sameOrigin(msg.Origin, selfOrigin) {
		c.logger.WithFields(fields).Debug("message_ignored_origin")
		return OutcomeIgnoredOrigin, nil
	}
	if c.opts.Clients == nil || !c.opts.Clients.Exists(msg.SourceID) {
		c.logger.WithFields(fields).Debug("message_ignored_client")
		return OutcomeIgnoredClient, nil
	}

	var (
		outcome Outcome
		err     error
	)
	switch strings.TrimSpace(msg.Data) {
	case MessageClaim:
		outcome, err = OutcomeClaimed, c.claim(ctx)
	case MessageClear:
		err = c.clear(ctx, fields)
		outcome = OutcomeCleared
	case MessageUpdate:
		if err = c.claim(ctx); err == nil {
			fields["reloaded"] = c.opts.Clients.ReloadAll()
		}
		outcome = OutcomeUpdated
	default:
		c.logger.WithFields(fields).Debug("message_ignored_command")
		return OutcomeIgnoredCommand, nil
	}

	if err != nil {
		c.logger.WithError(err).WithFields(fields).Error("message_failed")
		return OutcomeFailed, err
	}
	c.logger.WithFields(fields).Info("message_handled")
	return outcome, nil
}

// clear 删除正在服务请求的命名空间：激活前是旧版本的命名空间。
func (c *Controller) clear(ctx context.Context, fields logrus.Fields) error {
	target := c.namespace
	if c.opts.Serving != nil {
		serving, err := c.opts.Serving.ServingNamespace(ctx)
		if err != nil {
			return err
		}
		if serving == "" {
			return nil
		}
		target = serving
	}
	fields["cleared"] = target
	_, err := c.opts.Storage.Delete(ctx, target)
	return err
}

// claim 对应 skipWaiting + clients.claim：等待中的版本立即激活，失败的启动会重试。
func (c *Controller) claim(ctx context.Context) error {
	c.run.Lock()
	err := c.start(ctx)
	c.run.Unlock()
	if err != nil {
		return err
	}
	c.opts.Clients.Claim(c.opts.Version)
	return nil
}

func sameOrigin(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSuffix(a, "/"), strings.TrimSuffix(b, "/"))
}
