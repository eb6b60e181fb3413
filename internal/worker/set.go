// Package worker assembles, per configured App, the classifier, header
// normalizer, fetch engine, lifecycle controller and client registry that
// together behave like one registered service worker, all sharing a single
// cache storage and upstream network.
package worker

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/classify"
	"github.com/any-hub/pwa-hub/internal/clients"
	"github.com/any-hub/pwa-hub/internal/config"
	"github.com/any-hub/pwa-hub/internal/fetch"
	"github.com/any-hub/pwa-hub/internal/isolation"
	"github.com/any-hub/pwa-hub/internal/lifecycle"
	"github.com/any-hub/pwa-hub/internal/logging"
)

// App 是单个 App 的运行时组件集合。
type App struct {
	Config     config.AppConfig
	Upstream   *url.URL
	Engine     *fetch.Engine
	Controller *lifecycle.Controller
	Clients    *clients.Registry
}

// Name 返回 App 名称。
func (a *App) Name() string {
	return a.Config.Name
}

// UpstreamURL 把客户端请求路径映射到上游目录下，保留查询串，".." 不会越出该目录。
func (a *App) UpstreamURL(clientPath, rawQuery string) *url.URL {
	target := *a.Upstream
	joined := path.Join(a.Upstream.Path, path.Clean("/"+clientPath))
	if len(clientPath) > 0 && clientPath[len(clientPath)-1] == '/' && joined[len(joined)-1] != '/' {
		joined += "/"
	}
	target.Path = joined
	target.RawPath = ""
	target.RawQuery = rawQuery
	return &target
}

// Set 持有全部 App，按名称检索。
type Set struct {
	apps    map[string]*App
	ordered []*App
	logger  *logrus.Logger
}

// New 基于配置为每个 App 构建 worker，storage 与 network 由所有 App 共享。
func New(cfg *config.Config, storage cache.Storage, network fetch.Network, logger *logrus.Logger) (*Set, error) {
	if cfg == nil {
		return nil, errors.New("config is nil")
	}
	if logger == nil {
		logger = logging.Discard()
	}
	set := &Set{
		apps:   make(map[string]*App, len(cfg.Apps)),
		logger: logger,
	}
	for _, appCfg := range cfg.Apps {
		app, err := buildApp(appCfg, storage, network, logger)
		if err != nil {
			return nil, fmt.Errorf("app %s: %w", appCfg.Name, err)
		}
		set.apps[appCfg.Name] = app
		set.ordered = append(set.ordered, app)
	}
	return set, nil
}

func buildApp(cfg config.AppConfig, storage cache.Storage, network fetch.Network, logger *logrus.Logger) (*App, error) {
	upstream, err := cfg.UpstreamBase()
	if err != nil {
		return nil, err
	}
	namespace := cfg.Namespace()
	offline := upstream.ResolveReference(&url.URL{Path: cfg.OfflineFallback})

	engine, err := fetch.NewEngine(fetch.Options{
		App:        cfg.Name,
		Domain:     cfg.Domain,
		Namespace:  namespace,
		Prefix:     cfg.CachePrefix,
		Storage:    storage,
		Network:    network,
		Classifier: classify.New(cfg.EagerResources, cfg.LazyResources),
		Normalizer: isolation.Normalizer{Enabled: cfg.IsolationEnabled()},
		OfflineKey: offline.RequestURI(),
		Validation: fetch.ValidationMode(cfg.ValidationMode),
		Timeout:    cfg.FetchTimeout.DurationValue(),
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	registry := clients.NewRegistry()
	var preload lifecycle.PreloadEnabler
	if cfg.PreloadEnabled() {
		preload = engine
	}
	controller, err := lifecycle.NewController(lifecycle.Options{
		App:      cfg.Name,
		Prefix:   cfg.CachePrefix,
		Version:  cfg.Version,
		Storage:  storage,
		Network:  network,
		Upstream: upstream,
		Eager:    cfg.EagerResources,
		Preload:  preload,
		Serving:  engine,
		Clients:  registry,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:     cfg,
		Upstream:   upstream,
		Engine:     engine,
		Controller: controller,
		Clients:    registry,
	}, nil
}

// Get 按名称返回 App。
func (s *Set) Get(name string) (*App, bool) {
	if s == nil {
		return nil, false
	}
	app, ok := s.apps[name]
	return app, ok
}

// Apps 按配置顺序返回全部 App。
func (s *Set) Apps() []*App {
	if s == nil {
		return nil
	}
	return append([]*App(nil), s.ordered...)
}

// Start 并发启动全部 App；单个 App 安装失败只记录日志，不阻止服务启动。
// 返回值为启动失败的 App 名称。
func (s *Set) Start(ctx context.Context) []string {
	var (
		mu     sync.Mutex
		failed []string
	)
	group, groupCtx := errgroup.WithContext(ctx)
	for _, app := range s.ordered {
		group.Go(func() error {
			if err := app.Controller.Start(groupCtx); err != nil {
				fields := logging.LifecycleFields("start", app.Name(), app.Controller.Namespace())
				s.logger.WithError(err).WithFields(fields).Error("install_failed")
				mu.Lock()
				failed = append(failed, app.Name())
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()
	return failed
}

// Wait 等待全部 App 未完成的缓存写入。
func (s *Set) Wait() {
	for _, app := range s.ordered {
		app.Engine.Wait()
	}
}

// PruneClients 清理闲置客户端，返回清理总数。
func (s *Set) PruneClients(maxIdle time.Duration) int {
	total := 0
	for _, app := range s.ordered {
		total += app.Clients.Prune(maxIdle)
	}
	return total
}

// RunJanitor 周期性清理闲置客户端，直到 ctx 结束。
func (s *Set) RunJanitor(ctx context.Context, interval, maxIdle time.Duration) {
	if interval <= 0 || maxIdle <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := s.PruneClients(maxIdle); removed > 0 {
				s.logger.WithFields(logrus.Fields{
					"action":  "clients_prune",
					"removed": removed,
				}).Info("clients_pruned")
			}
		}
	}
}
