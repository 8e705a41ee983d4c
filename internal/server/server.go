// Package server builds the engine's dependency graph from configuration and
// runs it either as an HTTP service or for one-shot CLI tasks.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/luneth-sync/internal/api"
	"github.com/JakeFAU/luneth-sync/internal/app"
	"github.com/JakeFAU/luneth-sync/internal/catalog"
	"github.com/JakeFAU/luneth-sync/internal/clock/system"
	"github.com/JakeFAU/luneth-sync/internal/config"
	"github.com/JakeFAU/luneth-sync/internal/crawler"
	"github.com/JakeFAU/luneth-sync/internal/dispatcher"
	"github.com/JakeFAU/luneth-sync/internal/hash/sha256"
	"github.com/JakeFAU/luneth-sync/internal/id/uuid"
	"github.com/JakeFAU/luneth-sync/internal/logging"
	"github.com/JakeFAU/luneth-sync/internal/metrics"
	"github.com/JakeFAU/luneth-sync/internal/progress"
	progresssinks "github.com/JakeFAU/luneth-sync/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/luneth-sync/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/luneth-sync/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/luneth-sync/internal/queue/memory"
	"github.com/JakeFAU/luneth-sync/internal/remote"
	gcsstorage "github.com/JakeFAU/luneth-sync/internal/storage/gcs"
	localstorage "github.com/JakeFAU/luneth-sync/internal/storage/local"
	memoryStorage "github.com/JakeFAU/luneth-sync/internal/storage/memory"
	pgstore "github.com/JakeFAU/luneth-sync/internal/storage/postgres"
	sqlitestore "github.com/JakeFAU/luneth-sync/internal/storage/sqlite"
	"github.com/JakeFAU/luneth-sync/internal/task"
	"github.com/JakeFAU/luneth-sync/internal/telemetry"
)

// defaultNoticeTopic names the in-process notice stream when no Pub/Sub
// topic is configured.
const defaultNoticeTopic = "task-notices"

// Options tweaks Build for callers that are not the production binary.
type Options struct {
	// Logger overrides the logger built from configuration.
	Logger *zap.Logger
	// Registerer receives the progress collectors. Defaults to the
	// Prometheus default registerer.
	Registerer prometheus.Registerer
}

// App contains the application's dependencies.
type App struct {
	cfg         config.Config
	logger      *zap.Logger
	appCtx      *app.Context
	apiServer   *api.Server
	dispatch    *dispatcher.Dispatcher
	queue       *queueMemory.Queue[*task.Task]
	progressHub *progress.Hub
	notices     *memorypublisher.Publisher

	closers        []namedCloser
	tracerShutdown telemetry.ShutdownFunc
}

type namedCloser struct {
	name  string
	close func() error
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	return BuildWithOptions(ctx, cfg, Options{})
}

// BuildWithOptions is Build with overrides.
func BuildWithOptions(ctx context.Context, cfg config.Config, opts Options) (a *App, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger, err = logging.NewWithOptions(logging.Options{
			Development: cfg.Logging.Development,
			Level:       cfg.Logging.Level,
		})
		if err != nil {
			return nil, fmt.Errorf("logger init failed: %w", err)
		}
		zap.ReplaceGlobals(logger)
	}
	metrics.Init()

	a = &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.closeInfrastructure(context.WithoutCancel(ctx))
		}
	}()

	a.tracerShutdown, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		Enabled:      cfg.Telemetry.Tracing,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		Insecure:     cfg.Telemetry.OTLPInsecure,
		SampleRate:   cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	a.logger.Info("building application dependencies",
		zap.String("storage_driver", cfg.Storage.Driver),
		zap.String("images", cfg.Storage.Images),
	)
	store, err := a.setupStore(ctx)
	if err != nil {
		return nil, err
	}
	images, err := a.setupImages(ctx)
	if err != nil {
		return nil, err
	}
	crawlers, err := catalog.NewFactory(catalog.Config{
		BaseURL:             cfg.Crawler.BaseURL,
		UserAgent:           cfg.Crawler.UserAgent,
		RespectRobots:       cfg.Crawler.RespectRobots,
		Render:              cfg.Crawler.Render,
		MaxParallelRenders:  cfg.Crawler.MaxParallelRenders,
		RenderBodyThreshold: cfg.Crawler.RenderBodyThreshold,
		Selectors:           cfg.Crawler.Selectors,
	}, logger.Named("catalog"))
	if err != nil {
		return nil, fmt.Errorf("catalog init failed: %w", err)
	}
	publisher, topic, err := a.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	emitter, err := a.setupProgress(ctx, publisher, topic, opts.Registerer)
	if err != nil {
		return nil, err
	}

	a.appCtx, err = app.New(app.Options{
		Store:    store,
		Images:   images,
		Crawlers: crawlers,
		Connector: remote.Connector{
			TokenPath:   cfg.Remote.TokenPath,
			Timeout:     cfg.RemoteTimeout(),
			AuthRetries: int(cfg.Remote.AuthRetries),
			Hasher:      sha256.New(),
			Logger:      logger.Named("remote"),
		},
		Emitter:      emitter,
		Clock:        system.New(),
		IDs:          uuid.New(),
		Logger:       logger,
		MaxPageDepth: cfg.Crawler.MaxPageDepth,
	})
	if err != nil {
		return nil, fmt.Errorf("app init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "store", close: a.appCtx.Close})
	a.connectRemote(ctx)

	a.queue = queueMemory.NewQueue[*task.Task](cfg.Dispatcher.QueueDepth)
	bridge := dispatcher.NewBridge(a.appCtx, logger.Named("bridge"))
	a.dispatch = dispatcher.New(a.queue, bridge, cfg.Dispatcher.Workers, logger.Named("dispatcher"))

	var notices api.NoticeSource
	if a.notices != nil {
		notices = a.notices
	}
	a.apiServer = api.NewServer(a.appCtx, a.dispatch, notices, cfg, logger.Named("api"))
	return a, nil
}

func (a *App) setupStore(ctx context.Context) (crawler.Store, error) {
	switch a.cfg.Storage.Driver {
	case config.DriverPostgres:
		store, err := pgstore.New(ctx, pgstore.Config{
			DSN:             a.cfg.DB.DSN,
			MaxConns:        a.cfg.DB.MaxConns,
			MinConns:        a.cfg.DB.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.DB.MaxConnLifetimeMinutes) * time.Minute,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, fmt.Errorf("postgres migrate failed: %w", err)
		}
		a.logger.Info("using postgres store")
		return store, nil
	case config.DriverSQLite:
		store, err := sqlitestore.Open(ctx, a.cfg.Storage.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		a.logger.Info("using sqlite store", zap.String("path", a.cfg.Storage.SQLitePath))
		return store, nil
	default:
		a.logger.Warn("using in-memory store; records are lost on exit")
		return memoryStorage.NewStore(), nil
	}
}

func (a *App) setupImages(ctx context.Context) (crawler.ImageStore, error) {
	switch a.cfg.Storage.Images {
	case config.ImagesGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.closers = append(a.closers, namedCloser{name: "gcs client", close: client.Close})
		images, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: a.cfg.Storage.GCSBucket,
			Prefix: a.cfg.Storage.GCSPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("gcs image store init failed: %w", err)
		}
		a.logger.Info("using GCS image store", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return images, nil
	default:
		images, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.ImageDir})
		if err != nil {
			return nil, fmt.Errorf("local image store init failed: %w", err)
		}
		a.logger.Info("using local image store", zap.String("path", a.cfg.Storage.ImageDir))
		return images, nil
	}
}

func (a *App) setupPublisher(ctx context.Context) (crawler.Publisher, string, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Info("no Pub/Sub topic configured, keeping task notices in memory")
		a.notices = memorypublisher.New(memorypublisher.DefaultCapacity)
		return a.notices, defaultNoticeTopic, nil
	}
	publisher, closeFn, err := gcppublisher.Connect(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, "", fmt.Errorf("pubsub init failed: %w", err)
	}
	a.closers = append(a.closers, namedCloser{name: "pubsub", close: closeFn})
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, a.cfg.PubSub.TopicName, nil
}

func (a *App) setupProgress(
	ctx context.Context,
	publisher crawler.Publisher,
	topic string,
	reg prometheus.Registerer,
) (progress.Emitter, error) {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return nil, fmt.Errorf("progress metrics init failed: %w", err)
	}
	sinkList := []progress.Sink{
		progresssinks.NewLogSink(a.logger.Named("progress_log")),
		promSink,
		progresssinks.NewPublishSink(publisher, topic, a.logger.Named("progress_publish")),
	}
	hubCfg := progress.Config{
		BufferSize:     a.cfg.Progress.Buffer,
		MaxBatchEvents: a.cfg.Progress.Batch,
		Blocking:       a.cfg.Progress.Blocking,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         a.logger.Named("progress_hub"),
	}
	a.progressHub = progress.NewHub(hubCfg, sinkList...)
	a.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Bool("blocking", hubCfg.Blocking),
	)
	return a.progressHub, nil
}

// connectRemote applies the configured partner credentials. A failure is
// logged and leaves the client unset so local commands still work.
func (a *App) connectRemote(ctx context.Context) {
	r := a.cfg.Remote
	if r.BaseURL == "" || r.ClientID == "" || r.ClientSecret == "" {
		return
	}
	if err := a.appCtx.SetClientAuth(ctx, r.BaseURL, r.ClientID, r.ClientSecret); err != nil {
		a.logger.Warn("remote client not configured", zap.Error(err))
	}
}

// Context returns the application context shared by every adapter.
func (a *App) Context() *app.Context {
	return a.appCtx
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Handler exposes the HTTP routes.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Do builds a task for kind and runs it on the caller's behalf.
func (a *App) Do(ctx context.Context, kind task.Kind) (task.Summary, error) {
	t, err := a.appCtx.NewTask(kind)
	if err != nil {
		return task.Summary{}, err
	}
	return a.dispatch.Do(ctx, t)
}

// Run starts the dispatcher and the HTTP server and blocks until the context
// is canceled or a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		a.logger.Info("dispatcher started", zap.Int("workers", a.cfg.Dispatcher.Workers))
		a.dispatch.Run(ctx)
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	return a.Close(shutdownCtx)
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
		a.progressHub = nil
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.close(); err != nil {
			a.logger.Warn("close failed", zap.String("resource", c.name), zap.Error(err))
		}
	}
	a.closers = nil
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
		a.tracerShutdown = nil
	}
	// Sync fails on terminals; there is nothing useful to do about it.
	_ = a.logger.Sync()
}
