package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aapda-setu/verification-pipeline/internal/cache"
	"github.com/aapda-setu/verification-pipeline/internal/config"
	httpserver "github.com/aapda-setu/verification-pipeline/internal/http"
	"github.com/aapda-setu/verification-pipeline/internal/http/handlers"
	"github.com/aapda-setu/verification-pipeline/internal/ml"
	"github.com/aapda-setu/verification-pipeline/internal/pipeline"
	"github.com/aapda-setu/verification-pipeline/internal/policy"
	"github.com/aapda-setu/verification-pipeline/internal/queue"
	"github.com/aapda-setu/verification-pipeline/internal/repository"
	"github.com/aapda-setu/verification-pipeline/internal/service"
	"github.com/aapda-setu/verification-pipeline/internal/worker"
)

// pipelineQueue is the queue surface the composition root needs: enqueue,
// consume and dead-letter observation on the same backend.
type pipelineQueue interface {
	queue.Producer
	queue.Consumer
	SetDeadLetterHandler(queue.DeadLetterFunc)
}

func main() {
	logger := log.New(os.Stdout, "[verify-pipeline] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env", ".env.local"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, repoCloser := setupRepository(ctx, cfg, logger)
	defer repoCloser()

	baseQueue, queueCloser := setupQueue(ctx, cfg, logger)
	defer queueCloser()

	producer := queue.Producer(baseQueue)
	batchingCloser := func() {}
	if cfg.QueueBatchingEnabled {
		batching := queue.NewBatchingProducer(ctx, baseQueue, queue.BatchingConfig{
			MaxBatchSize:       cfg.QueueBatchSize,
			FlushInterval:      time.Duration(cfg.QueueBatchFlushMS) * time.Millisecond,
			FlushTimeout:       time.Duration(cfg.QueueBatchFlushTimeoutMS) * time.Millisecond,
			QueueCapacity:      cfg.QueueBatchQueueCapacity,
			MaxInFlightBatches: cfg.QueueBatchMaxInFlight,
		})
		producer = batching
		batchingCloser = batching.Close
		logger.Printf(
			"queue batching enabled size=%d flush_ms=%d queue_capacity=%d max_in_flight=%d",
			cfg.QueueBatchSize,
			cfg.QueueBatchFlushMS,
			cfg.QueueBatchQueueCapacity,
			cfg.QueueBatchMaxInFlight,
		)
	}
	defer batchingCloser()

	orchestrator := pipeline.NewOrchestrator(pipeline.Dependencies{
		Repo:     repo,
		Producer: producer,
		Defaults: policy.NewDefaults(cfg.DefaultTextScore, cfg.DefaultImageScore),
		StatusPolicy: policy.StatusPolicy{
			AutoVerifyThreshold: cfg.AutoVerifyThreshold,
			AutoRejectThreshold: cfg.AutoRejectThreshold,
		},
		Logger: logger,
	})
	baseQueue.SetDeadLetterHandler(orchestrator.OnBranchExhausted)

	reportsService := service.NewReportsService(repo, orchestrator, logger)
	api := handlers.NewAPI(reportsService)

	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		AuthToken:      cfg.AuthToken,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		RateLimitRPS:   cfg.RateLimitRPS,
		RateLimitBurst: cfg.RateLimitBurst,
	})

	workers, workersCtx := errgroup.WithContext(ctx)
	if cfg.WorkersEnabled {
		startWorkers(workersCtx, workers, cfg, baseQueue, orchestrator, logger)
		logger.Printf("workers enabled, %d per lane", cfg.WorkersPerLane)
	} else {
		logger.Printf("workers disabled by configuration")
	}

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
	stop()
	_ = workers.Wait()
}

func startWorkers(
	ctx context.Context,
	group *errgroup.Group,
	cfg config.Config,
	consumer queue.Consumer,
	orchestrator *pipeline.Orchestrator,
	logger *log.Logger,
) {
	backendTimeout := time.Duration(cfg.BackendTimeoutMS) * time.Millisecond
	jobTimeout := time.Duration(cfg.JobTimeoutMS) * time.Millisecond

	mediaCache := cache.NewMediaCache(cache.Config{
		TTL:        time.Duration(cfg.MediaCacheTTLSeconds) * time.Second,
		MaxEntries: cfg.MediaCacheMaxEntries,
	})

	textClient := ml.NewTextClient(ml.ClientConfig{
		BaseURL:    cfg.TextBackendURL,
		Timeout:    backendTimeout,
		MaxRetries: cfg.BackendRetries,
	})
	imageClient := ml.NewImageClient(ml.ClientConfig{
		BaseURL:    cfg.ImageBackendURL,
		Timeout:    backendTimeout,
		MaxRetries: cfg.BackendRetries,
	}, mediaCache)
	fusionClient := ml.NewFusionClient(ml.ClientConfig{
		BaseURL:    cfg.FusionBackendURL,
		Timeout:    backendTimeout,
		MaxRetries: cfg.BackendRetries,
	}, ml.FusionWeights{
		Text:     cfg.FusionWeightText,
		Image:    cfg.FusionWeightImage,
		Metadata: cfg.FusionWeightMetadata,
	})

	perLane := cfg.WorkersPerLane
	if perLane <= 0 {
		perLane = 1
	}
	for i := 0; i < perLane; i++ {
		textWorker := worker.NewTextWorker(consumer, textClient, orchestrator, jobTimeout, logger)
		imageWorker := worker.NewImageWorker(consumer, imageClient, orchestrator, jobTimeout, logger)
		fusionWorker := worker.NewFusionWorker(consumer, fusionClient, orchestrator, jobTimeout, logger)
		group.Go(func() error {
			textWorker.Start(ctx)
			return nil
		})
		group.Go(func() error {
			imageWorker.Start(ctx)
			return nil
		})
		group.Go(func() error {
			fusionWorker.Start(ctx)
			return nil
		})
	}
}

func setupRepository(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repository.ReportsRepository, func()) {
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory repository")
		return repository.NewMemoryReportsRepository(), func() {}
	}

	pgRepo, err := repository.NewPostgresReportsRepository(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres repository, fallback to memory: %v", err)
		return repository.NewMemoryReportsRepository(), func() {}
	}
	logger.Printf("postgres repository initialized")
	return pgRepo, func() {
		pgRepo.Close()
	}
}

func setupQueue(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (pipelineQueue, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using local queue fallback")
		return queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger), func() {}
	}

	streams, err := queue.NewStreamsQueue(ctx, queue.StreamsConfig{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		StreamPrefix: cfg.RedisStreamPrefix,
		Group:        cfg.RedisGroup,
		Consumer:     cfg.RedisConsumer,
		MaxAttempts:  cfg.QueueMaxAttempts,
	})
	if err != nil {
		logger.Printf("failed to initialize redis streams queue, fallback to local: %v", err)
		return queue.NewLocalQueue(512, cfg.QueueMaxAttempts, logger), func() {}
	}
	logger.Printf("redis streams queue initialized")
	return streams, func() {
		_ = streams.Close()
	}
}
