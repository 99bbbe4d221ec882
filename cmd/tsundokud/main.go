// The main package for the tsundokud daemon: it wires the source adapters,
// protection layers, scheduler, and HTTP API together and runs until
// signalled.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	gpubsub "cloud.google.com/go/pubsub"
	gcs "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/tsundoku-io/tsundoku/internal/adapters/rest"
	"github.com/tsundoku-io/tsundoku/internal/api"
	clock "github.com/tsundoku-io/tsundoku/internal/clock/system"
	"github.com/tsundoku-io/tsundoku/internal/config"
	"github.com/tsundoku-io/tsundoku/internal/engine"
	"github.com/tsundoku-io/tsundoku/internal/governor"
	"github.com/tsundoku-io/tsundoku/internal/health"
	"github.com/tsundoku-io/tsundoku/internal/id/uuid"
	"github.com/tsundoku-io/tsundoku/internal/isolation"
	"github.com/tsundoku-io/tsundoku/internal/jobs"
	"github.com/tsundoku-io/tsundoku/internal/logging"
	"github.com/tsundoku-io/tsundoku/internal/metrics"
	"github.com/tsundoku-io/tsundoku/internal/progress"
	"github.com/tsundoku-io/tsundoku/internal/progress/sinks"
	pubmemory "github.com/tsundoku-io/tsundoku/internal/publisher/memory"
	"github.com/tsundoku-io/tsundoku/internal/publisher/pubsub"
	"github.com/tsundoku-io/tsundoku/internal/resolver"
	"github.com/tsundoku-io/tsundoku/internal/scheduler"
	"github.com/tsundoku-io/tsundoku/internal/storage/blob"
	"github.com/tsundoku-io/tsundoku/internal/storage/memory"
	"github.com/tsundoku-io/tsundoku/internal/storage/postgres"
	"github.com/tsundoku-io/tsundoku/internal/telemetry"
)

const version = "0.1.0"

func main() {
	cfgPath := flag.String("config", "", "path to config file")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "tsundokud: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	metrics.Init()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracerProvider, err := telemetry.Init(ctx, "tsundokud", version)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}

	clk := clock.Clock{}

	registry := engine.NewRegistry()
	for name, acfg := range cfg.Adapters {
		adapter, err := rest.New(rest.Config{
			Name:    name,
			Tier:    tierFromString(acfg.Tier),
			BaseURL: acfg.BaseURL,
		})
		if err != nil {
			return fmt.Errorf("adapter %s: %w", name, err)
		}
		if err := registry.Register(adapter); err != nil {
			return fmt.Errorf("register adapter %s: %w", name, err)
		}
		if acfg.Disabled {
			if err := registry.SetStatus(name, engine.StatusInactive); err != nil {
				return fmt.Errorf("disable adapter %s: %w", name, err)
			}
		}
	}

	// Persistence backends.
	var (
		jobStore    engine.JobStore
		entryStore  engine.EntryStore
		healthStore engine.HealthStore
	)
	if cfg.DB.DSN != "" {
		pool, err := postgres.NewPool(ctx, postgres.Config{
			DSN:      cfg.DB.DSN,
			MaxConns: int32(cfg.DB.MaxOpenConns),
			MinConns: int32(cfg.DB.MinOpenConns),
		})
		if err != nil {
			return err
		}
		defer pool.Close()
		if jobStore, err = postgres.NewJobStore(pool); err != nil {
			return err
		}
		if entryStore, err = postgres.NewEntryStore(pool); err != nil {
			return err
		}
		if healthStore, err = postgres.NewHealthStore(pool); err != nil {
			return err
		}
	} else {
		jobStore = memory.NewJobStore()
		entryStore = memory.NewEntryStore()
		healthStore = memory.NewHealthStore()
	}

	blobStore, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	promSink, err := sinks.NewPrometheusSink(nil)
	if err != nil {
		return fmt.Errorf("build prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{sinks.NewLogSink(logger), promSink}
	if cfg.PubSub.TopicName != "" {
		hubSinks = append(hubSinks, sinks.NewPublisherSink(publisher, cfg.PubSub.TopicName, logger))
	}
	hub := progress.NewHub(progress.Config{Logger: logger}, hubSinks...)

	perAdapter := make(map[string]config.GovernorLimits, len(cfg.Adapters))
	for name := range cfg.Adapters {
		perAdapter[name] = cfg.LimitsFor(name)
	}
	gov := governor.New(governor.Config{
		Defaults:   cfg.Governor,
		PerAdapter: perAdapter,
	}, clk, logger, circuitEventFunc(hub, clk))

	iso := isolation.New(isolation.Config{
		MaxConcurrentRequests: cfg.Isolation.MaxConcurrentRequests,
		Timeout:               cfg.Isolation.Timeout(),
		FailureWindow:         cfg.Isolation.FailureWindow(),
		FailureThreshold:      cfg.Isolation.FailureThreshold,
	}, clk, logger, quarantineEventFunc(hub, clk))

	sched := scheduler.New(scheduler.Config{
		Workers:                   cfg.Scheduler.Workers,
		QueueDepth:                cfg.Scheduler.QueueDepth,
		MaxConcurrent:             cfg.Scheduler.MaxConcurrent,
		MaxConcurrentDownloads:    cfg.Scheduler.MaxConcurrentDownloads,
		MaxConcurrentHealthChecks: cfg.Scheduler.MaxConcurrentHealthChecks,
		DefaultMaxRetries:         cfg.Scheduler.DefaultMaxRetries,
		DefaultTimeout:            time.Duration(cfg.Scheduler.DefaultTimeoutSeconds) * time.Second,
		BackoffInitial:            time.Duration(cfg.Scheduler.BackoffInitialMs) * time.Millisecond,
		BackoffMax:                time.Duration(cfg.Scheduler.BackoffMaxMs) * time.Millisecond,
	}, jobStore, clk, uuid.NewUUIDGenerator(), hub, logger)

	res := resolver.New(resolver.Config{
		SimilarityThreshold: cfg.Resolver.SimilarityThreshold,
		SearchTimeout:       cfg.Resolver.SearchTimeout(),
		RefreshInterval:     cfg.Resolver.RefreshInterval(),
		AutoRefresh:         cfg.Resolver.AutoRefreshEnabled,
	}, registry, gov, iso, entryStore, clk, logger)

	monitor := health.New(health.Config{
		MaxConsecutiveFailures: cfg.Health.MaxConsecutiveFailures,
		CheckInterval:          cfg.Health.CheckInterval(),
		ProbeTimeout:           cfg.Health.ProbeTimeout(),
	}, registry, healthStore, sched, clk, hub, logger)
	monitor.SetQuarantineLifter(iso)
	res.SetOutcomeRecorder(monitor)

	sched.RegisterHandler(engine.JobTypeHealthCheck, monitor.Handler())
	jobs.Register(sched, jobs.Deps{
		Resolver:  res,
		Blobs:     blobStore,
		Fetcher:   jobs.NewHTTPFetcher(0, 0),
		Submitter: sched,
		Logger:    logger,
	})

	server := api.NewServer(api.Deps{
		Jobs:      sched,
		JobStore:  jobStore,
		Search:    res,
		Providers: monitor,
		Isolation: iso,
		Entries:   entryStore,
		Logger:    logger,
	})

	sched.Start()
	go monitor.Run(ctx)

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Warn("progress hub shutdown", zap.Error(err))
	}
	if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("shutdown complete")
	return nil
}

// circuitEventFunc bridges breaker transitions onto the event stream.
func circuitEventFunc(emitter progress.Emitter, clk engine.Clock) governor.TransitionFunc {
	return func(adapter, from, to string) {
		emitter.Emit(progress.Event{
			TS:      clk.Now(),
			Stage:   progress.StageCircuit,
			Adapter: adapter,
			Status:  to,
			Note:    from + " -> " + to,
		})
	}
}

// quarantineEventFunc bridges quarantine entry/exit onto the event stream.
func quarantineEventFunc(emitter progress.Emitter, clk engine.Clock) isolation.QuarantineFunc {
	return func(adapter string, quarantined bool) {
		status := "quarantined"
		if !quarantined {
			status = "cleared"
		}
		emitter.Emit(progress.Event{
			TS:      clk.Now(),
			Stage:   progress.StageQuarantine,
			Adapter: adapter,
			Status:  status,
		})
	}
}

func tierFromString(s string) engine.Tier {
	switch s {
	case "primary":
		return engine.TierPrimary
	case "tertiary":
		return engine.TierTertiary
	default:
		return engine.TierSecondary
	}
}

func buildBlobStore(ctx context.Context, cfg config.Config) (engine.BlobStore, error) {
	switch cfg.Blobs.Backend {
	case "", "memory":
		return memory.NewBlobStore(), nil
	case "local":
		return blob.NewLocal(blob.LocalConfig{BaseDir: cfg.Blobs.BaseDir})
	case "gcs":
		client, err := gcs.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return blob.NewGCS(client, blob.GCSConfig{Bucket: cfg.Blobs.GCSBucket})
	default:
		return nil, fmt.Errorf("unknown blob backend %q", cfg.Blobs.Backend)
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (engine.Publisher, func(), error) {
	if cfg.PubSub.ProjectID == "" {
		return pubmemory.New(), func() {}, nil
	}
	client, err := gpubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	pub, err := pubsub.New(client)
	if err != nil {
		return nil, nil, err
	}
	return pub, func() { _ = pub.Close() }, nil
}
