package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/aetherflow/edgeworker/internal/bucket"
	"github.com/aetherflow/edgeworker/internal/config"
	"github.com/aetherflow/edgeworker/internal/gateway"
	"github.com/aetherflow/edgeworker/internal/lifecycle"
	"github.com/aetherflow/edgeworker/internal/logging"
	"github.com/aetherflow/edgeworker/internal/notify"
	"github.com/aetherflow/edgeworker/internal/server"
	"github.com/aetherflow/edgeworker/internal/server/routes"
	"github.com/aetherflow/edgeworker/internal/strategy"
	"github.com/aetherflow/edgeworker/internal/syncqueue"
	"github.com/aetherflow/edgeworker/internal/version"
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
		fields["precache_assets"] = len(cfg.Precache.URLs)
		fields["upstream"] = cfg.Global.Upstream
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	// 启动遵循“配置 → 磁盘桶 → 策略引擎 → 生命周期安装 → Fiber server”顺序，
	// 保证所有请求共享同一份桶存储与回源客户端。
	store, err := bucket.NewFileStore(cfg.Global.StoragePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化缓存目录失败: %v\n", err)
		return 1
	}
	store, err = bucket.NewHotTier(store, cfg.Global.HotCacheEntries)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化热点缓存失败: %v\n", err)
		return 1
	}

	httpClient := server.NewUpstreamClient(cfg)
	upstream := cfg.UpstreamURL()
	fetcher := gateway.NewUpstreamFetcher(httpClient, upstream)

	rules := strategy.DefaultRules().Merge(strategy.Rules{
		StaticPrefixes:   cfg.Rules.StaticPrefixes,
		StaticExtensions: cfg.Rules.StaticExtensions,
		APIPrefixes:      cfg.Rules.APIPrefixes,
		APIHostPrefixes:  cfg.Rules.APIHostPrefixes,
		DynamicPrefixes:  cfg.Rules.DynamicPrefixes,
	})

	manager, err := lifecycle.NewManager(lifecycle.Options{
		Store:        store,
		Fetcher:      fetcher,
		Version:      cfg.Global.CacheVersion,
		PrecacheURLs: cfg.Precache.URLs,
		SkipWaiting:  cfg.Global.SkipWaiting,
		Logger:       logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化生命周期管理器失败: %v\n", err)
		return 1
	}

	// 安装失败是致命错误：部分填充的 app shell 比重启重试更糟。
	if err := manager.Install(context.Background()); err != nil {
		fmt.Fprintf(stdErr, "预缓存安装失败: %v\n", err)
		return 1
	}

	engine, err := strategy.NewEngine(strategy.Options{
		Store:       store,
		Fetcher:     fetcher,
		Rules:       rules,
		Precache:    manager.PrecacheBucketName(),
		Runtime:     lifecycle.RuntimeBucket,
		OfflinePath: cfg.Precache.OfflinePath,
		Logger:      logger,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化策略引擎失败: %v\n", err)
		return 1
	}

	queue, err := syncqueue.NewLevelQueue(cfg.Global.SyncQueuePath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化同步队列失败: %v\n", err)
		return 1
	}
	defer queue.Close()
	replayer := syncqueue.NewReplayer(queue, httpClient, upstream, logger)

	notifier := notify.NewNotifier(httpClient, logger)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["listen_port"] = cfg.Global.ListenPort
	fields["precache_bucket"] = manager.PrecacheBucketName()
	fields["state"] = string(manager.State())
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	handler := gateway.NewHandler(httpClient, upstream, engine, logger)
	if err := startHTTPServer(cfg, handler, manager, store, queue, replayer, notifier, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("edgeworker", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 EDGE_WORKER_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("EDGE_WORKER_CONFIG")
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

func startHTTPServer(
	cfg *config.Config,
	handler server.GatewayHandler,
	manager *lifecycle.Manager,
	store bucket.Store,
	queue syncqueue.Queue,
	replayer *syncqueue.Replayer,
	notifier *notify.Notifier,
	logger *logrus.Logger,
) error {
	port := cfg.Global.ListenPort
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Gateway:    handler,
		ListenPort: port,
	})
	if err != nil {
		return err
	}
	routes.RegisterControlRoutes(app, routes.ControlDeps{
		Lifecycle: manager,
		Store:     store,
		Queue:     queue,
		Replayer:  replayer,
		Notifier:  notifier,
		Logger:    logger,
	})

	logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	return app.Listen(fmt.Sprintf(":%d", port))
}
