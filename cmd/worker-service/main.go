package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/evalsight/scoresheet-be/internal/config"
	"github.com/evalsight/scoresheet-be/internal/pipeline"
	"github.com/evalsight/scoresheet-be/internal/pipeline/classify"
	"github.com/evalsight/scoresheet-be/internal/pipeline/detect"
	"github.com/evalsight/scoresheet-be/internal/pipeline/extract"
	"github.com/evalsight/scoresheet-be/internal/pipeline/relevance"
	"github.com/evalsight/scoresheet-be/internal/runtime"
	"github.com/evalsight/scoresheet-be/internal/videostore"
	"github.com/evalsight/scoresheet-be/internal/worker"
	workerstorage "github.com/evalsight/scoresheet-be/internal/worker/storage"
	"github.com/evalsight/scoresheet-be/shared/logger"
	"github.com/evalsight/scoresheet-be/shared/postgresql"
	"github.com/evalsight/scoresheet-be/shared/rabbitmq"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables or flags")
	}

	// Parse command-line flags
	defaultConfigPath := os.Getenv("WORKER_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/worker-service/config.yaml"
	}
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.ValidateWorkerConfig(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// Initialize logger
	appLogger, err := initLogger(&cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}

	appLogger.Info("Starting worker service",
		slog.String("app", cfg.App.Name),
		slog.String("version", cfg.App.Version),
		slog.String("environment", cfg.App.Environment),
	)

	// Initialize PostgreSQL client
	dbClient, err := initPostgreSQL(&cfg.Database, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	appLogger.Info("Database connection established")

	// Initialize RabbitMQ client
	rabbitClient, err := initRabbitMQ(&cfg.RabbitMQ, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
	}

	appLogger.Info("RabbitMQ connection established")

	// Load the model runtime pool. Weights load once here; instances are
	// torn down on shutdown.
	pool, err := initRuntimePool(&cfg.Runtime, appLogger.Logger)
	if err != nil {
		return fmt.Errorf("failed to start model runtime pool: %w", err)
	}

	appLogger.Info("Model runtime pool ready",
		slog.Int("relevance_instances", cfg.Runtime.RelevanceInstances),
		slog.Int("detector_instances", cfg.Runtime.DetectorInstances),
		slog.Int("classifier_instances", cfg.Runtime.ClassifierInstances),
	)

	// Wire the scoring pipeline.
	ffmpegPath := cfg.Runtime.FFmpegPath
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	ffprobePath := cfg.Runtime.FFprobePath
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}

	decoder := extract.NewFFmpegDecoder(ffmpegPath, ffprobePath, appLogger.Logger)
	extractor := extract.NewExtractor(decoder, appLogger.Logger)
	selector := relevance.NewSelector(pool, appLogger.Logger)
	detector := detect.NewDetector(pool, detect.Config{
		ConfidenceThreshold: cfg.Pipeline.ConfidenceThreshold,
		IoUThreshold:        cfg.Pipeline.IoUThreshold,
		ColumnRatio:         cfg.Pipeline.ColumnRatio,
	}, appLogger.Logger)
	classifier := classify.NewClassifier(pool, appLogger.Logger)
	scorePipeline := pipeline.New(extractor, selector, detector, classifier, appLogger.Logger)

	videoStore := videostore.New(cfg.VideoStore.FetchTimeout, appLogger.Logger)
	jobStore := workerstorage.NewStorage(dbClient.GetDB(), appLogger.Logger)

	workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])

	processor := worker.NewProcessor(
		jobStore,
		videoStore,
		scorePipeline,
		rabbitClient,
		worker.ProcessorConfig{
			WorkerID:          workerID,
			JobTimeout:        cfg.Worker.JobTimeout,
			HeartbeatInterval: cfg.Worker.HeartbeatInterval,
			Sampling: extract.SamplingPolicy{
				Interval:   cfg.Pipeline.SampleInterval,
				FrameCount: cfg.Pipeline.FrameCount,
			},
			Backoff: worker.Backoff{
				Base: cfg.Worker.RetryBackoffBase,
				Cap:  cfg.Worker.RetryBackoffCap,
			},
		},
		appLogger.Logger,
	)

	// Create worker instance
	workerInstance := worker.NewWorker(&worker.Config{
		Logger:        appLogger.Logger,
		RabbitClient:  rabbitClient,
		Processor:     processor,
		Concurrency:   cfg.Worker.Concurrency,
		PrefetchCount: cfg.RabbitMQ.Consumer.PrefetchCount,
		QueueName:     cfg.RabbitMQ.Queue.Name,
		WorkerID:      workerID,
	})

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start worker in a goroutine
	errChan := make(chan error, 1)
	go func() {
		if err := workerInstance.Start(ctx); err != nil {
			errChan <- err
		}
	}()

	appLogger.Info("Worker service started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		appLogger.Info("Received signal, shutting down gracefully",
			slog.String("signal", sig.String()),
		)
	case err := <-errChan:
		appLogger.Error("Worker error",
			slog.Any("error", err),
		)
		return err
	}

	// Cancel context to stop worker
	cancel()

	// Give worker time to shutdown gracefully
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Worker.ShutdownTimeout)
	defer shutdownCancel()

	// Stop worker
	done := make(chan struct{})
	go func() {
		workerInstance.Stop()
		close(done)
	}()

	select {
	case <-done:
		appLogger.Info("Worker stopped gracefully")
	case <-shutdownCtx.Done():
		appLogger.Warn("Worker shutdown timeout exceeded, forcing exit")
	}

	// Cleanup function to close all resources
	cleanup := func() {
		if err := pool.Close(); err != nil {
			appLogger.Error("Failed to close model runtime pool",
				slog.Any("error", err),
			)
		}
		if dbClient != nil {
			dbClient.Close()
		}
		if rabbitClient != nil {
			rabbitClient.Close()
		}
	}
	cleanup()

	appLogger.Info("Worker service shutdown complete")
	return nil
}

// initLogger initializes and configures the application logger
func initLogger(cfg *config.LoggingConfig) (*logger.Logger, error) {
	loggerCfg := &logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
	}

	return logger.New(loggerCfg)
}

// initPostgreSQL initializes the PostgreSQL database client
func initPostgreSQL(cfg *config.DatabaseConfig, logger *slog.Logger) (*postgresql.Client, error) {
	dbConfig := &postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}

	return postgresql.NewClient(dbConfig, logger)
}

// initRabbitMQ initializes the RabbitMQ client
func initRabbitMQ(cfg *config.RabbitMQConfig, logger *slog.Logger) (*rabbitmq.Client, error) {
	rabbitConfig := &rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}

	return rabbitmq.NewClient(rabbitConfig, logger)
}

// initRuntimePool starts the sidecar-backed model runtime pool
func initRuntimePool(cfg *config.RuntimeConfig, logger *slog.Logger) (*runtime.Pool, error) {
	factory := runtime.SidecarFactory(
		strings.Fields(cfg.SidecarCommand),
		map[runtime.ModelKind]string{
			runtime.ModelRelevance:  cfg.RelevanceModelPath,
			runtime.ModelDetector:   cfg.DetectorModelPath,
			runtime.ModelClassifier: cfg.ClassifierModelPath,
		},
		cfg.StopTimeout,
		logger,
	)

	return runtime.NewPool(&runtime.Config{
		Logger: logger,
		Instances: map[runtime.ModelKind]int{
			runtime.ModelRelevance:  cfg.RelevanceInstances,
			runtime.ModelDetector:   cfg.DetectorInstances,
			runtime.ModelClassifier: cfg.ClassifierInstances,
		},
		AcquireTimeout: cfg.AcquireTimeout,
		Factory:        factory,
	})
}
