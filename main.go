package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/any-hub/pwa-hub/internal/cache"
	"github.com/any-hub/pwa-hub/internal/config"
	"github.com/any-hub/pwa-hub/internal/logging"
	"github.com/any-hub/pwa-hub/internal/proxy"
	"github.com/any-hub/pwa-hub/internal/server"
	"github.com/any-hub/pwa-hub/internal/server/routes"
	"github.com/any-hub/pwa-hub/internal/version"
	"github.com/any-hub/pwa-hub/internal/worker"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool
}

var (
	stdOut io.Writer = os.Stdout
	stdErr io.Writer = os.Stderr
)

func main() {
	opts, err := parseCLIFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintln(stdErr, err.Error())
		os.Exit(2)
	}
	os.Exit(run(opts))
}

// run 根据解析到的 CLI 选项执行业务流程，并返回退出码，方便测试。
func run(opts cliOptions) int {
	if opts.showVersion {
		printVersion()
		return 0
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "加载配置失败: %v\n", err)
		return 1
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["apps"] = config.Summaries(cfg.Apps)
		fields["storage_driver"] = cfg.Global.StorageDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存存储 → 上游客户端 → worker 安装/激活 → AppRegistry → Fiber server，
	// 所有 App 共享同一份存储与上游客户端。
	storage, err := cache.OpenStorage(ctx, cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存存储失败: %v\n", err)
		return 1
	}
	defer storage.Close()

	httpClient := server.NewUpstreamClient(cfg)
	workers, err := worker.New(cfg, storage, httpClient, logger)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 worker 失败: %v\n", err)
		return 1
	}
	failed := workers.Start(ctx)
	defer workers.Wait()

	idle := cfg.Global.ClientIdleTimeout.DurationValue()
	go workers.RunJanitor(ctx, janitorInterval(idle), idle)

	registry, err := server.NewAppRegistry(cfg)
	if err != nil {
		fmt.Fprintf(stdErr, "构建 App 注册表失败: %v\n", err)
		return 1
	}

	forwarder := proxy.NewForwarder(proxy.NewHandler(logger), workers, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["apps"] = config.Summaries(cfg.Apps)
	fields["install_failed"] = failed
	fields["listen_port"] = cfg.Global.ListenPort
	fields["storage_driver"] = cfg.Global.StorageDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(ctx, cfg, registry, forwarder, workers, storage, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("pwa-hub", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 PWA_HUB_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("PWA_HUB_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	if path == "" {
		path = "config.toml"
	}

	return cliOptions{
		configPath:  path,
		checkOnly:   checkOnly,
		showVersion: showVer,
	}, nil
}

// janitorInterval 以闲置超时的一半为周期清理客户端，最短 1s。
func janitorInterval(idle time.Duration) time.Duration {
	interval := idle / 2
	if interval < time.Second {
		interval = time.Second
	}
	return interval
}

func startHTTPServer(ctx context.Context, cfg *config.Config, registry *server.AppRegistry, proxyHandler server.ProxyHandler, workers *worker.Set, storage cache.Storage, logger *logrus.Logger) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:         logger,
		Registry:       registry,
		Proxy:          proxyHandler,
		ListenPort:     port,
		TrustedProxies: cfg.Global.TrustedProxies,
	})
	if err != nil {
		return err
	}
	routes.RegisterAppRoutes(app, workers, storage)
	routes.RegisterWorkerRoutes(app, workers, logger)

	go func() {
		<-ctx.Done()
		logger.WithField("action", "shutdown").Info("Fiber 服务关闭")
		_ = app.ShutdownWithTimeout(10 * time.Second)
	}()

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
