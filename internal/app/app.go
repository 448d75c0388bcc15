package app

import (
	"context"
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/andreyxaxa/File-Processor/config"
	"github.com/andreyxaxa/File-Processor/internal/controller/restapi"
	dispatchctrl "github.com/andreyxaxa/File-Processor/internal/controller/worker/dispatch"
	"github.com/andreyxaxa/File-Processor/internal/controller/worker/outbox"
	"github.com/andreyxaxa/File-Processor/internal/controller/worker/reaper"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/metrics"
	"github.com/andreyxaxa/File-Processor/internal/infrastructure/queue"
	"github.com/andreyxaxa/File-Processor/internal/repo/persistent"
	"github.com/andreyxaxa/File-Processor/internal/usecase/extractor"
	"github.com/andreyxaxa/File-Processor/internal/usecase/file"
	"github.com/andreyxaxa/File-Processor/internal/usecase/pipeline"
	"github.com/andreyxaxa/File-Processor/pkg/httpserver"
	"github.com/andreyxaxa/File-Processor/pkg/logger"
	"github.com/andreyxaxa/File-Processor/pkg/postgres"
	"github.com/andreyxaxa/File-Processor/pkg/types/errs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// multipart framing on top of the file itself
const _uploadOverhead = 1 << 20

func Run(cfg *config.Config) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Logger
	l := logger.New(cfg.Log.Level)

	// Metrics
	var (
		m        *metrics.Metrics
		registry *prometheus.Registry
	)
	if cfg.Metrics.Enabled {
		registry = prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		m = metrics.New(registry)
	}

	// Repository

	// postgres
	pg, err := postgres.New(cfg.PG.URL, postgres.MaxPoolSize(cfg.PG.PoolMax))
	if err != nil {
		l.Fatal(fmt.Errorf("app - Run - postgres.New: %w", err))
	}
	defer pg.Close()

	err = postgres.Migrate(persistent.Migrations, persistent.MigrationsDir, cfg.PG.URL)
	if err != nil {
		l.Fatal(fmt.Errorf("app - Run - postgres.Migrate: %w", err))
	}

	fileRepo := persistent.NewFileRepo(pg)
	jobRepo := persistent.NewJobRepo(pg)

	// storage
	storage, err := newBlobStorage(ctx, cfg)
	if err != nil {
		l.Fatal(fmt.Errorf("app - Run - newBlobStorage: %w", err))
	}

	// worker events
	events := pipeline.NewEvents()
	events.Subscribe(pipeline.LogListener(l))
	if m != nil {
		events.Subscribe(func(e pipeline.Event) {
			m.JobEvent(string(e.Type), e.Duration)
		})
	}

	// Queue
	dq, err := newDispatch(ctx, cfg, func(n int) {
		for i := 0; i < n; i++ {
			events.Publish(pipeline.Event{Type: pipeline.EventStalled, Err: errs.ErrStalled})
		}
	})
	if err != nil {
		l.Fatal(fmt.Errorf("app - Run - newDispatch: %w", err))
	}

	// Use-Case

	// file use-case
	fileUseCase := file.New(
		storage,
		fileRepo,
		jobRepo,
		persistent.NewOutboxRepo(pg),
		pg,
		cfg.OutboxRelay.Retention,
		l,
	)

	// pipeline use-case
	pipelineUseCase := pipeline.New(
		pg,
		fileRepo,
		jobRepo,
		extractor.New(storage),
		events,
	)

	// Outbox Relay Worker
	outboxRelayWorker := outbox.New(
		fileUseCase,
		queue.NewOutboxSender(dq.producer),
		l,
		cfg.OutboxRelay.PollInterval,
		cfg.OutboxRelay.CleanupInterval,
		cfg.OutboxRelay.MarkFailedInterval,
		cfg.OutboxRelay.ProcessBatchTimeout,
		cfg.OutboxRelay.ClaimTimeout,
		cfg.OutboxRelay.BatchSize,
		cfg.OutboxRelay.MaxRetries,
	)

	// Dispatch Controller
	dispatchController := dispatchctrl.New(
		pipelineUseCase,
		dq.consumer,
		l,
		cfg.Worker.SettleTimeout,
		cfg.Worker.ProcessTimeout,
		workers(cfg),
	)

	// Stalled Jobs Reaper
	stalledReaper := reaper.New(
		pipelineUseCase,
		l,
		cfg.Worker.ReapInterval,
		cfg.Worker.StallTimeout,
		cfg.Worker.SettleTimeout,
		cfg.Worker.ReapBatchSize,
	)

	// HTTP Server
	httpServer := httpserver.New(l,
		httpserver.Port(cfg.HTTP.Port),
		httpserver.Prefork(cfg.HTTP.UsePreforkMode),
		httpserver.ReadTimeout(cfg.HTTP.ReadTimeout),
		httpserver.WriteTimeout(cfg.HTTP.WriteTimeout),
		httpserver.ShutdownTimeout(cfg.HTTP.ShutdownTimeout),
		httpserver.BodyLimit(bodyLimit(cfg)),
	)

	var gatherer prometheus.Gatherer
	if registry != nil {
		gatherer = registry
	}
	restapi.NewRouter(httpServer.App, cfg, fileUseCase, m, gatherer, l)

	// Start Components
	err = outboxRelayWorker.Start(ctx)
	if err != nil {
		l.Fatal(fmt.Errorf("app - Run - outboxRelayWorker.Start: %w", err))
	}
	err = dispatchController.Start(ctx)
	if err != nil {
		l.Fatal(fmt.Errorf("app - Run - dispatchController.Start: %w", err))
	}
	err = stalledReaper.Start(ctx)
	if err != nil {
		l.Fatal(fmt.Errorf("app - Run - stalledReaper.Start: %w", err))
	}
	httpServer.Start()

	l.Info("app - Run - started, queue driver: %s, storage driver: %s", cfg.Queue.Driver, cfg.Storage.Driver)

	// Waiting Signal
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)

	select {
	case s := <-interrupt:
		l.Info("app - Run - signal: %s", s.String())
	case err = <-httpServer.Notify():
		l.Error(fmt.Errorf("app - Run - httpServer.Notify: %w", err))
	}

	// Shutdown
	err = httpServer.Shutdown()
	if err != nil {
		l.Error(fmt.Errorf("app - Run - httpServer.Shutdown: %w", err))
	}

	orlShutdownCtx, orlShutdownCancel := context.WithTimeout(context.Background(), cfg.OutboxRelay.ShutdownTimeout)
	defer orlShutdownCancel()
	err = outboxRelayWorker.Shutdown(orlShutdownCtx)
	if err != nil {
		l.Error(fmt.Errorf("app - Run - outboxRelayWorker.Shutdown: %w", err))
	}

	dcShutdownCtx, dcShutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer dcShutdownCancel()
	err = dispatchController.Shutdown(dcShutdownCtx)
	if err != nil {
		l.Error(fmt.Errorf("app - Run - dispatchController.Shutdown: %w", err))
	}

	rShutdownCtx, rShutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer rShutdownCancel()
	err = stalledReaper.Shutdown(rShutdownCtx)
	if err != nil {
		l.Error(fmt.Errorf("app - Run - stalledReaper.Shutdown: %w", err))
	}

	err = dq.Close()
	if err != nil {
		l.Error(fmt.Errorf("app - Run - dq.Close: %w", err))
	}
}

func workers(cfg *config.Config) int {
	if cfg.Worker.Concurrency > 0 {
		return cfg.Worker.Concurrency
	}

	return runtime.NumCPU()
}

func bodyLimit(cfg *config.Config) int {
	limit := cfg.HTTP.MaxUploadSize + _uploadOverhead
	if limit > math.MaxInt32 {
		return math.MaxInt32
	}

	return int(limit)
}
