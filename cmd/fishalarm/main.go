// Package main runs the fishalarm service: one TCP listener per registered
// fish device, alert persistence in SQLite, fan-out to NATS and websocket
// subscribers, and the management HTTP API.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/T-en1991/demo111/alert"
	"github.com/T-en1991/demo111/config"
	gateway "github.com/T-en1991/demo111/gateway/http"
	"github.com/T-en1991/demo111/health"
	"github.com/T-en1991/demo111/input/tcp"
	"github.com/T-en1991/demo111/metric"
	"github.com/T-en1991/demo111/natsclient"
	"github.com/T-en1991/demo111/output/file"
	"github.com/T-en1991/demo111/output/httppost"
	"github.com/T-en1991/demo111/output/natspub"
	"github.com/T-en1991/demo111/output/websocket"
	"github.com/T-en1991/demo111/pkg/retry"
	"github.com/T-en1991/demo111/pkg/tlsutil"
	"github.com/T-en1991/demo111/service"
	"github.com/T-en1991/demo111/storage/sqlite"
)

// Build information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "fishalarm"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cli, err := parseFlags(args)
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cli.ShowVersion {
		fmt.Printf("%s version %s (%s)\n", appName, Version, BuildTime)
		return nil
	}

	cfg, err := loadConfig(cli)
	if err != nil {
		return err
	}
	if cli.Validate {
		fmt.Println("Configuration is valid")
		fmt.Println(cfg.String())
		return nil
	}

	logger, closer, err := setupLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.Dir)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)

	logger.Info("Starting fishalarm", "version", Version, "build_time", BuildTime, "config", cli.ConfigPaths)

	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := build(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(signalCtx); err != nil {
		a.shutdown(cli.ShutdownTimeout)
		return err
	}
	logger.Info("fishalarm started", "http_addr", a.api.Addr(), "listeners", len(a.ingest.Listeners()))

	<-signalCtx.Done()
	logger.Info("Received shutdown signal")
	return a.shutdown(cli.ShutdownTimeout)
}

func loadConfig(cli *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	for _, p := range cli.ConfigPaths {
		loader.AddLayer(p)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cli.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app holds the running components in start order
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *sqlite.Store
	nats    *natsclient.Client // nil when publishing is disabled
	hub     *websocket.Hub
	webhook *httppost.Notifier // nil when no webhook is configured
	journal *file.Journal      // nil when no journal is configured
	ingest  *service.IngestService
	api     *gateway.Server
	metrics *metric.Server // nil when disabled
	monitor *health.Monitor
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, monitor: health.NewMonitor()}
	registry := metric.NewMetricsRegistry()

	store, err := sqlite.Open(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	a.store = store
	a.monitor.Register("storage", health.CheckerFunc(func() health.Status {
		pctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := store.Ping(pctx); err != nil {
			return health.FromError("storage", err)
		}
		return health.NewHealthy("storage", "SQLite reachable")
	}))

	var notifiers []service.NamedNotifier

	if cfg.NATS.URL != "" {
		nc, err := connectNATS(ctx, cfg.NATS, registry, logger)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		a.nats = nc
		a.monitor.Register("nats", nc)

		pub, err := natspub.New(nc, natspub.Config{
			SubjectPrefix: cfg.NATS.SubjectPrefix,
			JetStream:     cfg.NATS.JetStream,
		}, logger)
		if err != nil {
			return nil, a.abort(err)
		}
		notifiers = append(notifiers, service.NamedNotifier{Name: "nats", Notifier: pub})
	} else {
		logger.Info("NATS publishing disabled")
	}

	if cfg.Webhook.URL != "" {
		levels := make([]alert.Level, 0, len(cfg.Webhook.Levels))
		for _, l := range cfg.Webhook.Levels {
			levels = append(levels, alert.Level(l))
		}
		a.webhook, err = httppost.New(httppost.Config{
			URL:        cfg.Webhook.URL,
			Headers:    cfg.Webhook.Headers,
			Timeout:    cfg.Webhook.Timeout.Std(),
			RetryCount: cfg.Webhook.RetryCount,
			Levels:     levels,
			Workers:    cfg.Webhook.Workers,
			QueueSize:  cfg.Webhook.QueueSize,
			TLS:        cfg.Webhook.TLS,
		}, registry, logger)
		if err != nil {
			return nil, a.abort(fmt.Errorf("create webhook: %w", err))
		}
		a.monitor.Register("webhook", a.webhook)
		notifiers = append(notifiers, service.NamedNotifier{Name: "webhook", Notifier: a.webhook})
	}

	if cfg.Journal.Path != "" {
		a.journal, err = file.New(file.Config{
			Path:          cfg.Journal.Path,
			Format:        cfg.Journal.Format,
			BufferSize:    cfg.Journal.BufferSize,
			FlushInterval: cfg.Journal.FlushInterval.Std(),
		}, logger)
		if err != nil {
			return nil, a.abort(fmt.Errorf("create alert journal: %w", err))
		}
		a.monitor.Register("journal", a.journal)
		notifiers = append(notifiers, service.NamedNotifier{Name: "journal", Notifier: a.journal})
	}

	a.hub = websocket.NewHub(websocket.Config{Replay: cfg.HTTP.WebsocketReplay}, registry, logger)
	a.monitor.Register("websocket", a.hub)
	notifiers = append(notifiers, service.NamedNotifier{Name: "websocket", Notifier: a.hub})

	pipeline, err := service.NewPipeline(service.PipelineDeps{
		Store:           store,
		Notifiers:       notifiers,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, a.abort(err)
	}

	lc := cfg.Listener
	bindRetry := retry.Once()
	if lc.BindRetry.MaxAttempts > 1 {
		bindRetry = retry.DefaultConfig()
		bindRetry.MaxAttempts = lc.BindRetry.MaxAttempts
		bindRetry.InitialDelay = lc.BindRetry.InitialDelay.Std()
	}
	listeners, err := tcp.NewRegistry(tcp.RegistryDeps{
		Config: tcp.Config{
			ReadBufferSize: lc.ReadBufferSize,
			PersistTimeout: lc.PersistTimeout.Std(),
			AckTimeout:     lc.AckTimeout.Std(),
			StopTimeout:    lc.StopTimeout.Std(),
			BindRetry:      bindRetry,
		},
		Sink:            pipeline,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, a.abort(err)
	}

	a.ingest, err = service.NewIngestService(service.IngestDeps{
		Registry:    listeners,
		Devices:     store,
		Pinger:      store,
		StopTimeout: lc.StopTimeout.Std(),
		Options: []service.Option{
			service.WithMetrics(registry),
			service.WithLogger(logger),
		},
	})
	if err != nil {
		return nil, a.abort(err)
	}
	a.monitor.Register("ingest", a.ingest)

	serverTLS, err := tlsutil.LoadServerTLSConfig(cfg.HTTP.TLS)
	if err != nil {
		return nil, a.abort(fmt.Errorf("load HTTP TLS: %w", err))
	}
	a.api, err = gateway.NewServer(gateway.Config{
		Addr:          cfg.HTTP.Addr,
		QueryRate:     cfg.HTTP.QueryRate,
		QueryBurst:    cfg.HTTP.QueryBurst,
		WebsocketPath: cfg.HTTP.WebsocketPath,
		TLS:           serverTLS,
	}, gateway.Deps{
		Store:           store,
		AlertSink:       pipeline,
		Ingest:          a.ingest,
		Health:          func() health.Status { return a.monitor.AggregateHealth(appName) },
		Websocket:       a.hub,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	if err != nil {
		return nil, a.abort(err)
	}
	a.monitor.Register("http", a.api)

	if cfg.Metrics.Enabled {
		a.metrics = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
	}
	return a, nil
}

func connectNATS(ctx context.Context, cfg config.NATSConfig, registry *metric.MetricsRegistry, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName),
		natsclient.WithLogger(logger),
		natsclient.WithMetrics(registry),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait.Std()),
	}
	switch {
	case cfg.Token != "":
		opts = append(opts, natsclient.WithToken(cfg.Token))
	case cfg.Username != "":
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}

	nc, err := natsclient.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS")
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}

	if cfg.JetStream {
		_, err := nc.EnsureStream(ctx, jetstream.StreamConfig{
			Name:     cfg.Stream,
			Subjects: []string{cfg.SubjectPrefix + ".>"},
			MaxAge:   7 * 24 * time.Hour,
		})
		if err != nil {
			_ = nc.Close(context.Background())
			return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
		}
	}
	return nc, nil
}

// abort releases what build acquired so far
func (a *app) abort(err error) error {
	if a.nats != nil {
		_ = a.nats.Close(context.Background())
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	return err
}

func (a *app) start(ctx context.Context) error {
	if a.metrics != nil {
		go func() {
			if err := a.metrics.Start(); err != nil && !stderrors.Is(err, http.ErrServerClosed) {
				a.logger.Error("Metrics server failed", "error", err)
			}
		}()
	}
	if a.journal != nil {
		if err := a.journal.Start(ctx); err != nil {
			return fmt.Errorf("start alert journal: %w", err)
		}
	}
	if a.webhook != nil {
		if err := a.webhook.Start(ctx); err != nil {
			return fmt.Errorf("start webhook: %w", err)
		}
	}
	if err := a.hub.Start(ctx); err != nil {
		return fmt.Errorf("start websocket hub: %w", err)
	}
	if err := a.ingest.Start(ctx); err != nil {
		return fmt.Errorf("start ingest: %w", err)
	}
	if err := a.api.Start(ctx); err != nil {
		return fmt.Errorf("start HTTP API: %w", err)
	}
	return nil
}

// shutdown stops components in reverse order. Every step runs even when an
// earlier one fails.
func (a *app) shutdown(timeout time.Duration) error {
	a.logger.Info("Shutting down", "timeout", timeout)
	deadline := time.Now().Add(timeout)
	remaining := func() time.Duration {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}

	var errs []error
	if err := a.api.Stop(remaining()); err != nil {
		errs = append(errs, fmt.Errorf("stop HTTP API: %w", err))
	}
	if err := a.ingest.Stop(remaining()); err != nil {
		errs = append(errs, fmt.Errorf("stop ingest: %w", err))
	}
	if err := a.hub.Stop(remaining()); err != nil {
		errs = append(errs, fmt.Errorf("stop websocket hub: %w", err))
	}
	if a.webhook != nil {
		if err := a.webhook.Stop(remaining()); err != nil {
			errs = append(errs, fmt.Errorf("stop webhook: %w", err))
		}
	}
	if a.journal != nil {
		if err := a.journal.Stop(remaining()); err != nil {
			errs = append(errs, fmt.Errorf("stop alert journal: %w", err))
		}
	}
	if a.nats != nil {
		ctx, cancel := context.WithTimeout(context.Background(), remaining())
		if err := a.nats.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close NATS: %w", err))
		}
		cancel()
	}
	if a.metrics != nil {
		if err := a.metrics.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}

	if err := stderrors.Join(errs...); err != nil {
		a.logger.Error("Shutdown finished with errors", "error", err)
		return err
	}
	a.logger.Info("fishalarm shutdown complete")
	return nil
}
