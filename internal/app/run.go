package app

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/tohenk/bridgeui/internal/admin"
	"github.com/tohenk/bridgeui/internal/bridge"
	"github.com/tohenk/bridgeui/internal/config"
	"github.com/tohenk/bridgeui/internal/dashboard"
	"github.com/tohenk/bridgeui/internal/dispatcher"
	"github.com/tohenk/bridgeui/internal/logs"
	"github.com/tohenk/bridgeui/internal/page"
	"github.com/tohenk/bridgeui/internal/push"
	"github.com/tohenk/bridgeui/internal/queue"
	"github.com/tohenk/bridgeui/internal/secrets"
	"github.com/tohenk/bridgeui/internal/stats"
)

const (
	remoteClientTimeout = 5 * time.Second
	drainTimeout        = 15 * time.Second
	shutdownTimeout     = 5 * time.Second
)

type runOptions struct {
	configPath string
	listen     string
	pidFile    string
	logLevel   string
	dotenvPath string
	watch      bool
	demo       bool
}

func parseRunFlags(args []string, stderr io.Writer) (runOptions, error) {
	var o runOptions
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&o.configPath, "config", "", "path to config file")
	fs.StringVar(&o.listen, "listen", "", "override listen address")
	fs.StringVar(&o.pidFile, "pid-file", "", "write process PID to file")
	fs.StringVar(&o.logLevel, "log-level", "", "override log level (debug|info|warn|error|off)")
	fs.StringVar(&o.dotenvPath, "dotenv", "", "load environment variables from file (dev only)")
	fs.BoolVar(&o.watch, "watch", false, "watch config file for reload")
	fs.BoolVar(&o.demo, "demo", false, "feed local bridges with synthetic work")
	if err := fs.Parse(args); err != nil {
		return runOptions{}, err
	}
	if fs.NArg() != 0 {
		return runOptions{}, fmt.Errorf("run: unexpected positional arguments")
	}
	return o, nil
}

// loadRunConfig reads the file and environment and applies flag overrides.
func loadRunConfig(o runOptions) (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if s := strings.TrimSpace(o.listen); s != "" {
		cfg.Listen = s
	}
	if s := strings.TrimSpace(o.logLevel); s != "" {
		cfg.Observability.Log.Level = strings.ToLower(s)
	}
	return cfg, nil
}

func run(args []string) int {
	o, err := parseRunFlags(args, os.Stderr)
	if err != nil {
		return 2
	}

	bootLogger := slog.New(slog.NewJSONHandler(os.Stderr, nil))

	release, err := claimPIDFile(o.pidFile)
	if err != nil {
		bootLogger.Error("pid_file_failed", slog.Any("err", err))
		return 1
	}
	defer release()

	if p := strings.TrimSpace(o.dotenvPath); p != "" {
		n, err := loadDotenv(p)
		if err != nil {
			bootLogger.Error("dotenv_failed", slog.Any("err", err))
			return 1
		}
		bootLogger.Info("dotenv_loaded", slog.String("path", p), slog.Int("vars", n))
	}

	cfg, err := loadRunConfig(o)
	if err != nil {
		bootLogger.Error("load_config_failed", slog.Any("err", err))
		return 1
	}
	res := config.Validate(cfg)
	if !res.OK {
		bootLogger.Error("config_invalid", slog.String("error", formatValidationText(res)))
		return 1
	}

	logger, levelVar, logCloser, err := newRuntimeLogger(cfg.Observability.Log)
	if err != nil {
		bootLogger.Error("runtime_log_failed", slog.Any("err", err))
		return 1
	}
	if logCloser != nil {
		defer func() { _ = logCloser.Close() }()
	}
	slog.SetDefault(logger)
	for _, w := range res.Warnings {
		logger.Warn("config_warning", slog.String("warning", w))
	}
	logger.Info("config_ok")

	metrics := newRuntimeMetrics()

	if cfg.Observability.Tracing.Enabled {
		shutdownTracing, err := initTracing(context.Background(), cfg.Observability.Tracing, func(err error) {
			metrics.incTracingExportErrors()
			logger.Error("tracing_export_failed", slog.Any("err", err))
		})
		if err != nil {
			metrics.incTracingInitFailures()
			logger.Error("tracing_init_failed", slog.Any("err", err))
			return 1
		}
		metrics.setTracingEnabled(true)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
		logger.Info("tracing_enabled")
	}

	var accessLogger *slog.Logger
	if cfg.Observability.AccessLog.Enabled {
		l, closer, err := newAccessLogger(cfg.Observability.AccessLog)
		if err != nil {
			logger.Error("access_log_failed", slog.Any("err", err))
			return 1
		}
		if closer != nil {
			defer func() { _ = closer.Close() }()
		}
		accessLogger = l
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx, stop := signal.NotifyContext(rootCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newRuntime(cfg, logger, metrics)
	if err != nil {
		logger.Error("runtime_init_failed", slog.Any("err", err))
		return 1
	}
	defer func() { _ = rt.store.Close() }()
	logger.Info("queue_backend_selected", slog.String("backend", cfg.Store.Driver))

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		logger.Error("listen_failed", slog.Any("err", err))
		return 1
	}
	srv := &http.Server{
		Handler:           withAccessLog(accessLogger, wrapTracingHandler(cfg.Observability.Tracing.Enabled, "bridgeui", rt.handler)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveOnListener(logger, "dashboard", srv, ln, cancel)
	logger.Info("listening", slog.String("addr", ln.Addr().String()), slog.String("prefix", cfg.Prefix))

	var wg sync.WaitGroup
	if rt.poller != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = rt.poller.Run(ctx)
		}()
	}

	if addr := cfg.Health.GRPCListen; addr != "" {
		hs, err := newHealthService(addr)
		if err != nil {
			logger.Error("grpc_health_listen_failed", slog.Any("err", err))
			return 1
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			hs.Run(ctx, rt.facade, cfg.Health.PingInterval, logger)
		}()
		logger.Info("grpc_health_listening", slog.String("addr", hs.Addr()))
	}

	processor := bridge.Processor(acceptProcessor)
	if o.demo {
		processor = demoProcessor
		wg.Add(1)
		go func() {
			defer wg.Done()
			runDemoFeeder(ctx, rt.locals, time.Second, logger)
		}()
		logger.Info("demo_enabled", slog.Int("bridges", len(rt.locals)))
	}
	sup := &bridgeSupervisor{Bridges: rt.locals, Processor: processor, Logger: logger}
	sup.Start(ctx)
	defer func() {
		if ok := sup.Drain(drainTimeout); !ok {
			logger.Warn("bridges_drain_timeout", slog.Duration("timeout", drainTimeout))
		} else {
			logger.Info("bridges_drained")
		}
	}()

	reloader := &configReloader{
		opts:     o,
		running:  cfg,
		facade:   rt.facade,
		levelVar: levelVar,
		logger:   logger,
		metrics:  metrics,
	}
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hupCh:
				reloader.reload("signal_sighup")
			}
		}
	}()
	if o.watch && o.configPath != "" {
		go watchConfig(ctx, o.configPath, logger, func() { reloader.reload("watch") })
	}

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return 0
}

// acceptProcessor completes every item. Local bridges without --demo only
// track items enqueued by embedders.
func acceptProcessor(context.Context, queue.Item) error { return nil }

// appRuntime holds everything the HTTP handler and background loops share.
type appRuntime struct {
	store    queue.Store
	registry *bridge.Registry
	locals   []*bridge.Local
	facade   *dashboard.Facade
	hub      *push.Hub
	poller   *push.Poller
	handler  http.Handler
}

func newRuntime(cfg config.Config, logger *slog.Logger, metrics *runtimeMetrics) (*appRuntime, error) {
	store, err := newQueueStore(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	// Leases held by a previous process can never complete.
	requeued, err := store.RequeueProcessing()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("requeue leased items: %w", err)
	}
	if requeued > 0 {
		logger.Warn("queue_requeued_on_start", slog.Int("items", requeued))
	}
	rt := &appRuntime{store: store}
	if err := rt.buildBridges(cfg, logger); err != nil {
		_ = store.Close()
		return nil, err
	}

	socket := dashboard.Socket{}
	if cfg.Poll.PushInterval > 0 {
		socket = dashboard.Socket{URL: cfg.Prefix + "/events", Reconnect: true}
	}
	agg := &stats.Aggregator{
		Timeout:   cfg.Poll.Timeout,
		Counter:   store,
		Logger:    logger,
		OnFailure: metrics.observePollFailure,
	}
	disp := &dispatcher.Dispatcher{
		Channel: &dispatcher.Subsystem{Store: store, Registry: rt.registry},
		Logger:  logger,
		Observe: metrics.observeTask,
	}
	rt.facade, err = dashboard.New(dashboard.Config{
		Registry:   rt.registry,
		Store:      store,
		Aggregator: agg,
		Dispatcher: disp,
		Paging:     pagingConfig(cfg.Paging),
		About:      aboutInfo(cfg.About),
		Socket:     socket,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	srv := admin.NewServer(rt.facade)
	srv.Sessions = logs.NewSessions(nil, cfg.Sessions.TTL, cfg.Sessions.Max)
	srv.Prefix = cfg.Prefix
	srv.CookieSecure = cfg.Sessions.CookieSecure
	srv.Logger = logger
	srv.ObserveRequest = metrics.observeRequest
	if len(cfg.Auth.Tokens) > 0 {
		tokens, err := secrets.ResolveAll(cfg.Auth.Tokens)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("auth.tokens%w", err)
		}
		srv.Authorize = admin.BearerTokenAuthorizer(tokenBytes(tokens))
	}
	if len(cfg.Auth.TaskTokens) > 0 {
		tokens, err := secrets.ResolveAll(cfg.Auth.TaskTokens)
		if err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("auth.task_tokens%w", err)
		}
		srv.AuthorizeTask = admin.BearerTokenAuthorizer(tokenBytes(tokens))
	}

	if cfg.Poll.PushInterval > 0 {
		rt.hub = push.NewHub(push.WithLogger(logger))
		rt.poller = &push.Poller{
			Source:   rt.facade,
			Hub:      rt.hub,
			Interval: cfg.Poll.PushInterval,
			Logger:   logger,
		}
		srv.Events = rt.hub
		metrics.hub = rt.hub
	}

	metrics.store = store
	metrics.bridges = rt.registry.Len
	if cfg.Observability.Metrics.Enabled {
		srv.Metrics = newMetricsHandler(version, time.Now(), metrics)
	}
	rt.handler = srv
	return rt, nil
}

func (rt *appRuntime) buildBridges(cfg config.Config, logger *slog.Logger) error {
	rt.registry = bridge.NewRegistry()
	client := remoteBridgeClient(cfg.Observability.Tracing.Enabled)
	for _, bc := range cfg.Bridges {
		var h bridge.Handle
		switch bc.Kind {
		case config.BridgeRemote:
			token, err := secrets.Resolve(bc.Token)
			if err != nil {
				return fmt.Errorf("bridge %s token: %w", bc.Name, err)
			}
			r, err := bridge.NewRemote(bc.Name, bc.URL,
				bridge.WithRemoteClient(client),
				bridge.WithRemoteToken(token),
			)
			if err != nil {
				return fmt.Errorf("bridge %s: %w", bc.Name, err)
			}
			h = r
		default:
			l, err := bridge.NewLocal(bc.Name, rt.store, bridge.WithLocalLogger(logger))
			if err != nil {
				return fmt.Errorf("bridge %s: %w", bc.Name, err)
			}
			rt.locals = append(rt.locals, l)
			h = l
		}
		if err := rt.registry.Register(h); err != nil {
			return err
		}
	}
	return nil
}

func newQueueStore(cfg config.StoreConfig) (queue.Store, error) {
	switch cfg.Driver {
	case config.DriverMemory, "":
		return queue.NewMemoryStore(queue.WithActivityRetention(cfg.ActivityRetention)), nil
	case config.DriverSQLite:
		s, err := queue.NewSQLiteStore(cfg.Path, queue.WithSQLiteActivityRetention(cfg.ActivityRetention))
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := queue.NewPostgresStore(cfg.DSN, queue.WithPostgresActivityRetention(cfg.ActivityRetention))
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func pagingConfig(p config.PagingConfig) page.Config {
	return page.Config{DefaultSize: p.DefaultSize, MaxSize: p.MaxSize, Window: p.Window}
}

// aboutInfo falls back to build information for unset fields.
func aboutInfo(a config.AboutConfig) dashboard.About {
	out := dashboard.About{Title: a.Title, Version: a.Version, Author: a.Author, License: a.License}
	if out.Title == "" {
		out.Title = "bridgeui"
	}
	if out.Version == "" {
		out.Version = strings.TrimSpace(version)
	}
	return out
}

func tokenBytes(tokens []string) [][]byte {
	out := make([][]byte, 0, len(tokens))
	for _, t := range tokens {
		out = append(out, []byte(t))
	}
	return out
}

// configReloader applies the hot-reloadable part of a changed config file.
type configReloader struct {
	mu       sync.Mutex
	opts     runOptions
	running  config.Config
	facade   *dashboard.Facade
	levelVar *slog.LevelVar
	logger   *slog.Logger
	metrics  *runtimeMetrics
}

var errRestartRequired = errors.New("config change requires restart")

func (c *configReloader) reload(trigger string) {
	if err := c.apply(); err != nil {
		if errors.Is(err, errRestartRequired) {
			c.metrics.observeReload("restart_required")
			c.logger.Info("config_reloaded_restart_required", slog.String("trigger", trigger), slog.String("changes", err.Error()))
			return
		}
		c.metrics.observeReload("failed")
		c.logger.Error("config_reload_failed", slog.Any("err", err), slog.String("trigger", trigger))
		return
	}
	c.metrics.observeReload("ok")
	c.logger.Info("config_reloaded_ok", slog.String("trigger", trigger))
}

func (c *configReloader) apply() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next, err := loadRunConfig(c.opts)
	if err != nil {
		return err
	}
	if res := config.Validate(next); !res.OK {
		return errors.New(formatValidationText(res))
	}
	plan := config.PlanReload(c.running, next)
	if len(plan.Restart) > 0 {
		return fmt.Errorf("%w: %s", errRestartRequired, strings.Join(plan.Restart, ","))
	}

	lvl, err := parseLogLevel(next.Observability.Log.Level)
	if err != nil {
		return err
	}
	if c.levelVar != nil {
		c.levelVar.Set(lvl)
	}
	c.facade.SetPaging(pagingConfig(next.Paging))
	c.facade.SetAbout(aboutInfo(next.About))
	c.running = next
	return nil
}
