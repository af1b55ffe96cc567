package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/olahd/olahd/internal/chunkcache"
	"github.com/olahd/olahd/internal/config"
	"github.com/olahd/olahd/internal/logging"
	"github.com/olahd/olahd/internal/metacache"
	"github.com/olahd/olahd/internal/mirror"
	"github.com/olahd/olahd/internal/offline"
	"github.com/olahd/olahd/internal/policy"
	"github.com/olahd/olahd/internal/proxy"
	"github.com/olahd/olahd/internal/server"
	"github.com/olahd/olahd/internal/upstream"
	"github.com/olahd/olahd/internal/version"
)

// cliOptions 汇总 CLI 标志解析后的结果，便于在测试中注入。
type cliOptions struct {
	configPath  string
	checkOnly   bool
	showVersion bool

	overrides config.GlobalConfig
	set       map[string]bool
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
		return 2
	}
	applyOverrides(cfg, opts)
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stdErr, "配置校验失败: %v\n", err)
		return 2
	}
	if err := cfg.EnsureDirectories(); err != nil {
		fmt.Fprintf(stdErr, "准备目录失败: %v\n", err)
		return 2
	}

	logger, err := logging.InitLogger(cfg.Global)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化日志失败: %v\n", err)
		return 1
	}

	if opts.checkOnly {
		fields := logging.BaseFields("check_config", opts.configPath)
		fields["proxy_rules"] = len(cfg.ProxyRules)
		fields["cache_rules"] = len(cfg.CacheRules)
		fields["result"] = "ok"
		logger.WithFields(fields).Info("配置校验通过")
		return 0
	}

	proxyRules, cacheRules := cfg.PolicyRules()
	engine, err := policy.NewEngine(proxyRules, cacheRules)
	if err != nil {
		fmt.Fprintf(stdErr, "编译访问规则失败: %v\n", err)
		return 2
	}

	guard := offline.NewGuard(cfg.Global.Offline)

	// 启动顺序：策略 → 磁盘缓存 → 元数据缓存 → 上游客户端 → Handler →
	// 淘汰器（后台协程）→ Fiber server。
	chunks, err := chunkcache.New(cfg.Global.ReposPath, chunkcache.Options{
		BlockSize:    cfg.Global.BlockSize,
		FetchTimeout: cfg.Global.UpstreamTimeout.DurationValue() * 4,
	})
	if err != nil {
		fmt.Fprintf(stdErr, "初始化块缓存失败: %v\n", err)
		return 1
	}

	metas, err := metacache.New(cfg.Global.ReposPath, guard)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化元数据缓存失败: %v\n", err)
		return 1
	}

	client := upstream.New(guard, logger, upstream.Options{
		Timeout:      cfg.Global.UpstreamTimeout.DurationValue(),
		MaxAttempts:  cfg.Global.MaxRetries,
		RetryBackoff: cfg.Global.InitialBackoff.DurationValue(),
	})

	mirrors, err := mirror.New(cfg.Global.MirrorsPath)
	if err != nil {
		fmt.Fprintf(stdErr, "初始化本地镜像目录失败: %v\n", err)
		return 1
	}

	handler, err := proxy.New(proxy.Options{
		Logger:  logger,
		Policy:  engine,
		Chunks:  chunks,
		Metas:   metas,
		Client:  client,
		Mirrors: mirrors,
		Endpoints: proxy.Endpoints{
			Scheme:    cfg.Global.HFScheme,
			Netloc:    cfg.Global.HFNetloc,
			LFSNetloc: cfg.Global.HFLFSNetloc,
		},
		Mirror: proxy.MirrorEndpoints{
			Scheme:    cfg.Global.MirrorScheme,
			Netloc:    cfg.Global.MirrorNetloc,
			LFSNetloc: cfg.Global.MirrorLFSNetloc,
		},
		MetaTTL:    cfg.Global.MetaTTL.DurationValue(),
		ResolveTTL: cfg.Global.ResolveTTL.DurationValue(),
	})
	if err != nil {
		fmt.Fprintf(stdErr, "构建代理处理器失败: %v\n", err)
		return 1
	}

	evictPolicy, err := chunkcache.ParseEvictPolicy(cfg.Global.CacheEvictPolicy)
	if err != nil {
		fmt.Fprintf(stdErr, "解析淘汰策略失败: %v\n", err)
		return 2
	}
	evictor := chunkcache.NewEvictor(chunks, cfg.Global.CacheLimitBytes, evictPolicy, 0, logger)
	evictCtx, stopEvictor := context.WithCancel(context.Background())
	defer stopEvictor()
	go evictor.Run(evictCtx)

	fields := logging.BaseFields("startup", opts.configPath)
	fields["host"] = cfg.Global.Host
	fields["port"] = cfg.Global.Port
	fields["repos_path"] = cfg.Global.ReposPath
	fields["offline"] = cfg.Global.Offline
	fields["version"] = version.Full()
	logger.WithFields(fields).Info("配置加载完成")

	if err := startHTTPServer(cfg, handler, logger); err != nil {
		fmt.Fprintf(stdErr, "HTTP 服务启动失败: %v\n", err)
		return 1
	}
	return 0
}

// parseCLIFlags 解析 CLI 参数，并结合环境变量计算最终的配置路径。
// 命令行显式给出的字段优先于 TOML 内的同名配置。
func parseCLIFlags(args []string) (cliOptions, error) {
	fs := flag.NewFlagSet("olahd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	var opts cliOptions
	var configFlag string

	fs.StringVar(&configFlag, "config", "", "配置文件路径（可被 OLAHD_CONFIG 覆盖）")
	fs.StringVar(&configFlag, "c", "", "--config 的简写")
	fs.BoolVar(&opts.checkOnly, "check-config", false, "仅校验配置后退出")
	fs.BoolVar(&opts.showVersion, "version", false, "显示版本信息")

	fs.StringVar(&opts.overrides.Host, "host", "", "监听地址")
	fs.IntVar(&opts.overrides.Port, "port", 0, "监听端口")
	fs.StringVar(&opts.overrides.SSLKey, "ssl-key", "", "TLS 私钥路径")
	fs.StringVar(&opts.overrides.SSLCert, "ssl-cert", "", "TLS 证书路径")
	fs.StringVar(&opts.overrides.ReposPath, "repos-path", "", "缓存仓库根目录")
	fs.StringVar(&opts.overrides.MirrorsPath, "mirrors-path", "", "本地只读镜像根目录")
	fs.StringVar(&opts.overrides.HFScheme, "hf-scheme", "", "上游协议 http/https")
	fs.StringVar(&opts.overrides.HFNetloc, "hf-netloc", "", "上游主站地址")
	fs.StringVar(&opts.overrides.HFLFSNetloc, "hf-lfs-netloc", "", "上游 LFS/CDN 地址")
	fs.StringVar(&opts.overrides.MirrorScheme, "mirror-scheme", "", "对外公布的镜像协议")
	fs.StringVar(&opts.overrides.MirrorNetloc, "mirror-netloc", "", "对外公布的镜像地址")
	fs.StringVar(&opts.overrides.MirrorLFSNetloc, "mirror-lfs-netloc", "", "对外公布的镜像 LFS 地址")
	offlineFlag := fs.Bool("offline", false, "离线模式：只回放已有缓存")

	if err := fs.Parse(args); err != nil {
		return cliOptions{}, fmt.Errorf("解析参数失败: %w", err)
	}

	opts.overrides.Offline = *offlineFlag
	opts.set = map[string]bool{}
	fs.Visit(func(f *flag.Flag) {
		opts.set[f.Name] = true
	})

	path := os.Getenv("OLAHD_CONFIG")
	if configFlag != "" {
		path = configFlag
	}
	opts.configPath = path

	return opts, nil
}

// applyOverrides 把显式给出的 CLI 标志覆盖到已加载的配置上。
func applyOverrides(cfg *config.Config, opts cliOptions) {
	g := &cfg.Global
	o := opts.overrides
	if opts.set["host"] {
		g.Host = o.Host
	}
	if opts.set["port"] {
		g.Port = o.Port
	}
	if opts.set["ssl-key"] {
		g.SSLKey = o.SSLKey
	}
	if opts.set["ssl-cert"] {
		g.SSLCert = o.SSLCert
	}
	if opts.set["repos-path"] {
		g.ReposPath = o.ReposPath
	}
	if opts.set["mirrors-path"] {
		g.MirrorsPath = o.MirrorsPath
	}
	if opts.set["hf-scheme"] {
		g.HFScheme = o.HFScheme
	}
	if opts.set["hf-netloc"] {
		g.HFNetloc = o.HFNetloc
	}
	if opts.set["hf-lfs-netloc"] {
		g.HFLFSNetloc = o.HFLFSNetloc
	}
	if opts.set["mirror-scheme"] {
		g.MirrorScheme = o.MirrorScheme
	}
	if opts.set["mirror-netloc"] {
		g.MirrorNetloc = o.MirrorNetloc
	}
	if opts.set["mirror-lfs-netloc"] {
		g.MirrorLFSNetloc = o.MirrorLFSNetloc
	}
	if opts.set["offline"] {
		g.Offline = o.Offline
	}
}

func startHTTPServer(cfg *config.Config, handler server.MirrorHandler, logger *logrus.Logger) error {
	app, err := server.NewApp(server.AppOptions{
		Logger:  logger,
		Handler: handler,
	})
	if err != nil {
		return err
	}

	addr := fmt.Sprintf("%s:%d", cfg.Global.Host, cfg.Global.Port)
	logger.WithFields(logrus.Fields{
		"action": "listen",
		"addr":   addr,
		"tls":    cfg.Global.SSLCert != "",
	}).Info("Fiber 服务启动")

	if cfg.Global.SSLCert != "" {
		return app.Listen(addr, fiber.ListenConfig{
			CertFile:    cfg.Global.SSLCert,
			CertKeyFile: cfg.Global.SSLKey,
		})
	}
	return app.Listen(addr)
}
