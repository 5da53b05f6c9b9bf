package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/any-hub/shellcache/internal/agent"
	"github.com/any-hub/shellcache/internal/cache"
	"github.com/any-hub/shellcache/internal/config"
	"github.com/any-hub/shellcache/internal/fetch"
	"github.com/any-hub/shellcache/internal/logging"
	"github.com/any-hub/shellcache/internal/manifest"
	"github.com/any-hub/shellcache/internal/proxy"
	"github.com/any-hub/shellcache/internal/server"
	"github.com/any-hub/shellcache/internal/server/routes"
	"github.com/any-hub/shellcache/internal/version"
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

// sqliteFileName 是 sqlite 驱动在 StoragePath 下使用的数据库文件。
const sqliteFileName = "shellcache.db"

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
		fields["origin"] = cfg.Shell.Origin
		fields["store_driver"] = cfg.Global.StoreDriver
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 启动顺序：配置 → 缓存存储 → 上游客户端 → agent runtime → 首次部署 → Fiber server。
	svc, err := buildService(ctx, cfg, logger, opts.configPath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化服务失败: %v\n", err)
		return 1
	}
	defer svc.Close()

	fields := logging.BaseFields("startup", opts.configPath)
	fields["origin"] = cfg.Shell.Origin
	fields["upstream"] = cfg.Shell.Upstream
	fields["listen_port"] = cfg.Global.ListenPort
	fields["store_driver"] = cfg.Global.StoreDriver
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := svc.listen(ctx, cfg.Global.ListenPort); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// service 持有进程生命周期内共享的组件。
type service struct {
	app     *fiber.App
	runtime *agent.Runtime
	store   cache.Store
	watcher *agent.ManifestWatcher
	logger  *logrus.Logger
}

// buildService 组装存储、上游客户端、runtime 与 HTTP 应用，并部署初始 manifest。
// manifest 缺失或安装失败不会阻止启动：runtime 在没有 active 版本时直接透传网络。
func buildService(ctx context.Context, cfg *config.Config, logger *logrus.Logger, configPath string) (*service, error) {
	store, err := cache.OpenStore(cfg.Global.StoreDriver, storeLocation(cfg.Global))
	if err != nil {
		return nil, fmt.Errorf("初始化缓存存储失败: %w", err)
	}

	client, err := fetch.NewClient(server.NewUpstreamClient(cfg), cfg.Shell.Origin, cfg.Shell.Upstream)
	if err != nil {
		store.Close()
		return nil, err
	}

	runtime, err := agent.NewRuntime(agent.RuntimeOptions{
		Origin:           cfg.Shell.Origin,
		Store:            store,
		Regions:          cfg.Regions,
		Fetcher:          client,
		Logger:           logger,
		FetchConcurrency: cfg.Global.FetchConcurrency,
		SkipWaiting:      cfg.Shell.SkipWaiting,
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	svc := &service{runtime: runtime, store: store, logger: logger}
	svc.deployInitial(ctx, cfg.Shell.ManifestPath, configPath)

	if cfg.Shell.WatchManifest {
		watcher, err := agent.NewManifestWatcher(cfg.Shell.ManifestPath, runtime, logger, 0)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("创建 manifest watcher 失败: %w", err)
		}
		if err := watcher.Start(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("启动 manifest watcher 失败: %w", err)
		}
		svc.watcher = watcher
	}

	handler, err := proxy.NewHandler(runtime, cfg.Shell.Origin, logger)
	if err != nil {
		svc.Close()
		return nil, err
	}
	app, err := server.NewApp(server.AppOptions{
		Logger:     logger,
		Proxy:      proxy.NewForwarder(handler, logger),
		ListenPort: cfg.Global.ListenPort,
	})
	if err != nil {
		svc.Close()
		return nil, err
	}
	routes.RegisterAgentRoutes(app, runtime)
	svc.app = app
	return svc, nil
}

func (s *service) deployInitial(ctx context.Context, manifestPath, configPath string) {
	fields := logging.BaseFields("initial_deploy", configPath)
	fields["manifest_path"] = manifestPath

	m, err := manifest.Load(manifestPath)
	if err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("manifest 不可用，暂以透传模式运行")
		return
	}
	fields["manifest_version"] = m.Version
	if err := s.runtime.Deploy(ctx, m); err != nil {
		s.logger.WithFields(fields).WithError(err).Warn("初始部署失败，暂以透传模式运行")
		return
	}
	s.logger.WithFields(fields).Info("初始部署完成")
}

// listen 阻塞直到服务退出，ctx 取消时优雅关闭。
func (s *service) listen(ctx context.Context, port int) error {
	go func() {
		<-ctx.Done()
		if err := s.app.Shutdown(); err != nil {
			s.logger.WithError(err).Warn("关闭 Fiber 服务失败")
		}
	}()

	s.logger.WithFields(logrus.Fields{
		"action": "listen",
		"port":   port,
	}).Info("Fiber 服务启动")

	err := s.app.Listen(fmt.Sprintf(":%d", port), fiber.ListenConfig{DisableStartupMessage: true})
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Close 停止 watcher 并释放存储。
func (s *service) Close() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.WithError(err).Warn("关闭缓存存储失败")
		}
	}
}

// storeLocation 返回驱动对应的存储位置：file 为目录，sqlite 为目录下的数据库文件。
func storeLocation(g config.GlobalConfig) string {
	if strings.EqualFold(strings.TrimSpace(g.StoreDriver), cache.DriverSQLite) {
		return filepath.Join(g.StoragePath, sqliteFileName)
	}
	return g.StoragePath
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("shellcache", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var (
		configFlag string
		checkOnly  bool
		showVer    bool
	)

	fs.StringVar(&configFlag, "config", "", "配置文件路径（默认 ./config.toml，可被 SHELLCACHE_CONFIG 覆盖）")
	fs.BoolVar(&checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&showVer, "version", false, "显示版本信息")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	path := os.Getenv("SHELLCACHE_CONFIG")
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
