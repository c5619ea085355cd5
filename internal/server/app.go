// Package server assembles a node process from its configuration and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/labnodes/internal/api"
	"github.com/JakeFAU/labnodes/internal/clock/system"
	"github.com/JakeFAU/labnodes/internal/config"
	"github.com/JakeFAU/labnodes/internal/device/ot2"
	"github.com/JakeFAU/labnodes/internal/device/uc2"
	"github.com/JakeFAU/labnodes/internal/executor"
	"github.com/JakeFAU/labnodes/internal/hash/sha256"
	"github.com/JakeFAU/labnodes/internal/id/uuid"
	"github.com/JakeFAU/labnodes/internal/logging"
	"github.com/JakeFAU/labnodes/internal/node"
	"github.com/JakeFAU/labnodes/internal/progress"
	progresssinks "github.com/JakeFAU/labnodes/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/labnodes/internal/publisher/memory"
	natspublisher "github.com/JakeFAU/labnodes/internal/publisher/nats"
	gcppublisher "github.com/JakeFAU/labnodes/internal/publisher/pubsub"
	badgerstore "github.com/JakeFAU/labnodes/internal/storage/badger"
	gcsstorage "github.com/JakeFAU/labnodes/internal/storage/gcs"
	memorystorage "github.com/JakeFAU/labnodes/internal/storage/memory"
	pgstore "github.com/JakeFAU/labnodes/internal/storage/postgres"
	s3store "github.com/JakeFAU/labnodes/internal/storage/s3"
	sqlitestore "github.com/JakeFAU/labnodes/internal/storage/sqlite"
	"github.com/JakeFAU/labnodes/internal/telemetry"
	"github.com/JakeFAU/labnodes/internal/workdir"
)

const (
	serviceName      = "labnode"
	historyDBName    = "history.db"
	historyBadgerDir = "history.badger"
	memoryEventLimit = 1024
	connectTimeout   = 30 * time.Second
)

// App contains one node's dependencies.
type App struct {
	cfg       config.Config
	logger    *zap.Logger
	apiServer *api.Server
	executor  *executor.Executor
	workdir   *workdir.Workdir

	progressHub     *progress.Hub
	pubsubClient    *pubsub.Client
	pubsubPublisher *gcppublisher.Publisher
	storage         *storage.Client
	history         node.HistoryStore
	closeHistory    func()
	tracerShutdown  func(context.Context) error
}

// NewApp creates an App with the given configuration.
func NewApp(cfg config.Config, logger *zap.Logger) *App {
	logger.Info("creating node",
		zap.String("family", cfg.Family),
		zap.String("addr", cfg.Addr()),
		zap.String("work_root", cfg.Node.WorkRoot),
		zap.String("history", cfg.History.Driver),
	)
	return &App{cfg: cfg, logger: logger}
}

// Handler exposes the node's HTTP surface.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Executor exposes the node's status register.
func (a *App) Executor() *executor.Executor {
	return a.executor
}

// Connect performs the startup device connection. A failure leaves the node
// in ERROR; the next action retries.
func (a *App) Connect(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := a.executor.Connect(ctx); err != nil {
		a.logger.Error("device connection failed", zap.Error(err))
		return
	}
	a.logger.Info("device connected")
}

// Run connects the device, serves HTTP and blocks until ctx is canceled or
// a termination signal arrives.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.Connect(ctx)

	srv := &http.Server{
		Addr:              a.cfg.Addr(),
		Handler:           a.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	closeErr := a.Close(shutdownCtx)

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return closeErr
	}
}

// Close flushes events and releases every client the App opened.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// The hub goes first so queued events still reach the publisher.
	if a.progressHub != nil {
		if err := a.progressHub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.closeHistory != nil {
		a.closeHistory()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}

// Build creates a node's dependencies from cfg.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	base, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(base)
	return build(ctx, cfg, logging.ForNode(base, cfg.Family, cfg.Node.Alias), prometheus.DefaultRegisterer)
}

func build(ctx context.Context, cfg config.Config, logger *zap.Logger, reg prometheus.Registerer) (*App, error) {
	app := NewApp(cfg, logger)
	ok := false
	defer func() {
		if !ok {
			app.closeInfrastructure(ctx)
		}
	}()

	if cfg.Tracing.Enabled {
		var opts []telemetry.Option
		if cfg.Tracing.Stdout {
			opts = append(opts, telemetry.WithWriter(os.Stdout))
		}
		tp, err := telemetry.InitTracerProvider(ctx, serviceName+"-"+cfg.Family, cfg.Node.Version, opts...)
		if err != nil {
			return nil, fmt.Errorf("tracer init failed: %w", err)
		}
		app.tracerShutdown = tp.Shutdown
	}

	clock := system.New()
	if err := setupWorkdir(ctx, app, clock); err != nil {
		return nil, err
	}
	if err := setupHistory(ctx, app); err != nil {
		return nil, err
	}
	publisher, closer, err := setupPublisher(ctx, app)
	if err != nil {
		return nil, err
	}
	if err := setupProgress(ctx, app, reg, publisher, closer); err != nil {
		return nil, err
	}
	device, err := setupDevice(app)
	if err != nil {
		return nil, err
	}

	app.executor, err = executor.New(executor.Config{
		Node:             cfg.Node.Alias,
		AdmissionTimeout: cfg.Node.AdmissionTimeout,
	}, executor.Deps{
		Device:  device,
		History: app.history,
		Emitter: app.progressHub,
		Clock:   clock,
		IDs:     uuid.New(),
		Logger:  logger.Named("executor"),
	})
	if err != nil {
		return nil, fmt.Errorf("executor init failed: %w", err)
	}

	app.apiServer, err = api.NewServer(api.Config{
		MaxUploadBytes: cfg.Server.MaxUploadBytes,
		ReadTimeout:    cfg.Server.ReadTimeout,
	}, api.Deps{
		Executor:  app.executor,
		About:     device,
		Resources: app.workdir,
		History:   app.history,
		Logger:    logger.Named("api"),
	})
	if err != nil {
		return nil, fmt.Errorf("api server init failed: %w", err)
	}
	ok = true
	return app, nil
}

func setupWorkdir(ctx context.Context, app *App, clock node.Clock) error {
	opts := []workdir.Option{workdir.WithLogger(app.logger.Named("workdir"))}
	if bucket := app.cfg.Storage.GCSBucket; bucket != "" {
		var err error
		app.storage, err = storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		archiver, err := gcsstorage.New(app.storage, gcsstorage.Config{
			Bucket: bucket,
			Prefix: app.cfg.Storage.Prefix,
			Node:   app.cfg.Node.Alias,
		})
		if err != nil {
			return fmt.Errorf("gcs archiver init failed: %w", err)
		}
		opts = append(opts, workdir.WithArchiver(archiver))
		app.logger.Info("archiving artifacts to GCS", zap.String("bucket", bucket))
	} else if bucket := app.cfg.Storage.S3Bucket; bucket != "" {
		client, err := s3store.NewClient(ctx, s3store.ClientConfig{
			Region:    app.cfg.Storage.S3Region,
			Endpoint:  app.cfg.Storage.S3Endpoint,
			PathStyle: app.cfg.Storage.S3PathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 client init failed: %w", err)
		}
		archiver, err := s3store.New(client, s3store.Config{
			Bucket: bucket,
			Prefix: app.cfg.Storage.Prefix,
			Node:   app.cfg.Node.Alias,
		})
		if err != nil {
			return fmt.Errorf("s3 archiver init failed: %w", err)
		}
		opts = append(opts, workdir.WithArchiver(archiver))
		app.logger.Info("archiving artifacts to S3", zap.String("bucket", bucket))
	}
	wd, err := workdir.New(workdir.Config{Root: app.cfg.Node.WorkRoot, Alias: app.cfg.Node.Alias}, clock, opts...)
	if err != nil {
		return fmt.Errorf("workdir init failed: %w", err)
	}
	app.workdir = wd
	app.logger.Debug("working directory ready", zap.String("path", wd.Dir()))
	return nil
}

func setupHistory(ctx context.Context, app *App) error {
	hcfg := app.cfg.History
	switch hcfg.Driver {
	case config.HistoryPostgres:
		store, err := pgstore.NewHistoryStore(ctx, pgstore.Config{
			DSN:             hcfg.Postgres.DSN,
			Table:           hcfg.Postgres.Table,
			MaxConns:        hcfg.Postgres.MaxConns,
			MinConns:        hcfg.Postgres.MinConns,
			MaxConnLifetime: hcfg.Postgres.MaxConnLifetime,
		})
		if err != nil {
			return fmt.Errorf("postgres history init failed: %w", err)
		}
		app.history, app.closeHistory = store, store.Close
		app.logger.Info("using postgres history", zap.String("table", hcfg.Postgres.Table))
	case config.HistorySQLite:
		path := hcfg.SQLite.Path
		if path == "" {
			path = filepath.Join(app.workdir.Dir(), historyDBName)
		}
		store, err := sqlitestore.Open(path)
		if err != nil {
			return fmt.Errorf("sqlite history init failed: %w", err)
		}
		app.history = store
		app.closeHistory = func() {
			if err := store.Close(); err != nil {
				app.logger.Warn("sqlite history close failed", zap.Error(err))
			}
		}
		app.logger.Info("using sqlite history", zap.String("path", path))
	case config.HistoryBadger:
		path := hcfg.Badger.Path
		if path == "" {
			path = filepath.Join(app.workdir.Dir(), historyBadgerDir)
		}
		store, err := badgerstore.Open(badgerstore.Config{Path: path})
		if err != nil {
			return fmt.Errorf("badger history init failed: %w", err)
		}
		app.history = store
		app.closeHistory = func() {
			if err := store.Close(); err != nil {
				app.logger.Warn("badger history close failed", zap.Error(err))
			}
		}
		app.logger.Info("using badger history", zap.String("path", path))
	default:
		app.history = memorystorage.NewHistoryStore(hcfg.Capacity)
		app.logger.Info("using in-memory history", zap.Int("capacity", hcfg.Capacity))
	}
	return nil
}

func setupPublisher(ctx context.Context, app *App) (node.Publisher, func(), error) {
	ps := app.cfg.PubSub
	if ps.TopicName == "" || ps.ProjectID == "" {
		if app.cfg.NATS.URL != "" {
			return setupNATS(app)
		}
		app.logger.Warn("no Pub/Sub topic or NATS server configured, using in-memory publisher")
		return memorypublisher.New(memoryEventLimit), nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, ps.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = gcppublisher.New(app.pubsubClient.Topic(ps.TopicName), app.cfg.Node.Alias)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", ps.ProjectID),
		zap.String("topic", ps.TopicName),
	)
	return app.pubsubPublisher, app.pubsubPublisher.Stop, nil
}

func setupNATS(app *App) (node.Publisher, func(), error) {
	nc := app.cfg.NATS
	prefix := nc.SubjectPrefix
	if prefix != "" {
		prefix += "." + app.cfg.Node.Alias
	}
	pub, err := natspublisher.New(natspublisher.Config{
		URL:           nc.URL,
		SubjectPrefix: prefix,
		Name:          serviceName + "-" + app.cfg.Node.Alias,
	}, app.logger.Named("nats"))
	if err != nil {
		return nil, nil, fmt.Errorf("nats publisher init failed: %w", err)
	}
	app.logger.Info("NATS publisher initialized", zap.String("url", nc.URL), zap.String("subject_prefix", prefix))
	return pub, pub.Close, nil
}

func setupProgress(
	ctx context.Context,
	app *App,
	reg prometheus.Registerer,
	publisher node.Publisher,
	closer func(),
) error {
	promSink, err := progresssinks.NewPrometheusSink(reg)
	if err != nil {
		return fmt.Errorf("progress metrics init failed: %w", err)
	}
	hubCfg := progress.Config{
		BufferSize:     app.cfg.Progress.BufferSize,
		MaxBatchEvents: app.cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Progress.MaxBatchWait,
		SinkTimeout:    app.cfg.Progress.SinkTimeout,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("progress_hub"),
	}
	app.progressHub = progress.NewHub(hubCfg,
		progresssinks.NewLogSink(app.logger.Named("progress_log")),
		promSink,
		progresssinks.NewPublishSink(publisher, app.logger.Named("progress_publish"), closer),
	)
	app.logger.Info("progress hub initialized",
		zap.Int("buffer_size", hubCfg.BufferSize),
		zap.Int("max_batch_events", hubCfg.MaxBatchEvents),
		zap.Duration("max_batch_wait", hubCfg.MaxBatchWait),
		zap.Duration("sink_timeout", hubCfg.SinkTimeout),
	)
	return nil
}

func setupDevice(app *App) (node.Device, error) {
	cfg := app.cfg
	switch cfg.Family {
	case config.FamilyOT2:
		var compiler ot2.Compiler
		if cmd := cfg.OT2.Compiler.Command; cmd != "" {
			c, err := ot2.NewExecCompiler(cmd)
			if err != nil {
				return nil, fmt.Errorf("protocol compiler init failed: %w", err)
			}
			compiler = c
		} else {
			app.logger.Warn("no protocol compiler configured, YAML protocols will be rejected")
		}
		dev, err := ot2.New(ot2.Config{
			Alias:        cfg.Node.Alias,
			IP:           cfg.OT2.IP,
			Port:         cfg.OT2.Port,
			Version:      cfg.Node.Version,
			PollInterval: cfg.OT2.PollInterval,
		}, ot2.Deps{
			Artifacts: app.workdir,
			Compiler:  compiler,
			Hasher:    sha256.New(),
			Logger:    app.logger.Named("ot2"),
		})
		if err != nil {
			return nil, fmt.Errorf("ot2 device init failed: %w", err)
		}
		return dev, nil
	case config.FamilyUC2:
		dev, err := uc2.New(uc2.Config{
			Alias:       cfg.Node.Alias,
			IP:          cfg.UC2.IP,
			Port:        cfg.UC2.Port,
			HTTPS:       cfg.UC2.HTTPS,
			Version:     cfg.Node.Version,
			Positioner:  cfg.UC2.Positioner,
			LegacyYStep: cfg.UC2.PoslistLegacyYStep,
		}, uc2.Deps{Logger: app.logger.Named("uc2")})
		if err != nil {
			return nil, fmt.Errorf("uc2 device init failed: %w", err)
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown device family %q", cfg.Family)
	}
}
