package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethoseg/segmentation-service/internal/api"
	"github.com/ethoseg/segmentation-service/internal/domain/entity"
	"github.com/ethoseg/segmentation-service/internal/domain/port"
	"github.com/ethoseg/segmentation-service/internal/infra/archive"
	"github.com/ethoseg/segmentation-service/internal/infra/config"
	"github.com/ethoseg/segmentation-service/internal/infra/ffmpeg"
	"github.com/ethoseg/segmentation-service/internal/infra/metrics"
	miniostorage "github.com/ethoseg/segmentation-service/internal/infra/minio"
	"github.com/ethoseg/segmentation-service/internal/infra/postgres"
	"github.com/ethoseg/segmentation-service/internal/infra/rabbitmq"
	"github.com/ethoseg/segmentation-service/internal/infra/tracing"
	"github.com/ethoseg/segmentation-service/internal/infra/worker"
	"github.com/ethoseg/segmentation-service/internal/service"
	"github.com/ethoseg/segmentation-service/internal/usecase"
	"github.com/ethoseg/segmentation-service/pkg/logger"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load()
	fatalOnErr(err, "load config")

	log, err := logger.New(cfg.LogLevel)
	fatalOnErr(err, "init logger")
	defer log.Sync()

	log.Info("starting segmentation-service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing (non-fatal if the collector is unavailable)
	shutdownTracing, err := tracing.InitTracer(ctx, cfg.JaegerEndpoint)
	if err != nil {
		log.Warn("tracing init failed, continuing without tracing", zap.Error(err))
	} else {
		defer shutdownTracing(ctx)
	}

	// Database
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	fatalOnErr(err, "connect to postgres")
	defer pool.Close()

	// Migrations
	err = postgres.RunMigrations(cfg.DatabaseURL, "migrations")
	if err != nil {
		log.Warn("migration warning", zap.Error(err))
	}

	// MinIO
	masks, err := miniostorage.NewStorage(miniostorage.StorageConfig{
		Endpoint:   cfg.MinIOEndpoint,
		AccessKey:  cfg.MinIOAccessKey,
		SecretKey:  cfg.MinIOSecretKey,
		UseSSL:     cfg.MinIOUseSSL,
		MaskBucket: cfg.MaskBucket,
	})
	fatalOnErr(err, "create minio storage")
	fatalOnErr(masks.EnsureBucket(ctx), "ensure mask bucket")

	// RabbitMQ publisher (optional; single-box deploys run without a broker)
	var publisher port.EventPublisher = rabbitmq.NoopPublisher{}
	if cfg.RabbitMQEnabled {
		rmqConn, err := amqp.Dial(cfg.RabbitMQURL)
		fatalOnErr(err, "connect to rabbitmq")
		defer rmqConn.Close()

		pub, err := rabbitmq.NewPublisher(rmqConn, cfg.RabbitMQExchange)
		fatalOnErr(err, "create rabbitmq publisher")
		defer pub.Close()
		publisher = pub
	}

	// Infra adapters
	videos := postgres.NewVideoRepository(pool)
	prompts := postgres.NewPromptRepository(pool)
	bboxes := postgres.NewBboxRepository(pool)
	frames := ffmpeg.NewClient(cfg.FrameCacheSize, log)

	// Inference worker lifecycle
	factory := worker.Factory(cfg.WorkerCmd, worker.Timeouts{
		Load:      cfg.WorkerLoadTimeout,
		Init:      cfg.WorkerInitTimeout,
		Propagate: cfg.WorkerPropagateTimeout,
		Reset:     cfg.WorkerResetTimeout,
		Close:     cfg.WorkerCloseTimeout,
		Command:   cfg.WorkerCommandTimeout,
	}, log)
	models := service.NewModelService(ctx, factory, cfg.HeartbeatInterval, log)

	registry := service.NewSessionRegistry(models, frames, log)
	go registry.Run(ctx)
	go relayModelStatus(ctx, models, publisher, log)

	// Use cases
	segmentation := usecase.NewSegmentationUseCase(
		registry, models, videos, prompts, bboxes, masks,
		publisher, archive.NewZipArchiver(),
		log,
		usecase.SegmentationConfig{
			PropagateMaxFrames: cfg.PropagateMaxFrames,
			MaskBatchLimit:     cfg.MaskBatchLimit,
		},
	)
	catalog := usecase.NewCatalogUseCase(videos, frames, log)

	// Metrics server
	metricsSrv := metrics.StartMetricsServer(ctx, cfg.MetricsPort, log)

	// HTTP API
	handler := api.NewHandler(segmentation, catalog, frames, log)
	srv := api.NewHTTPServer(cfg.HTTPAddr, api.SetupRoutes(handler, log))

	// Graceful shutdown
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		log.Info("received shutdown signal", zap.String("signal", sig.String()))
		cancel()
	}()

	go func() {
		<-ctx.Done()
		// Ends the model status streams so Shutdown can drain them.
		models.Shutdown()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", zap.Error(err))
		}
	}()

	log.Info("segmentation-service started, serving http", zap.String("addr", cfg.HTTPAddr))

	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Error("http server error", zap.Error(err))
	}
	cancel()

	// Shutdown
	models.Shutdown()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	metricsSrv.Shutdown(shutdownCtx)

	handler.Close()
	log.Info("segmentation-service stopped")
}

// relayModelStatus republishes model state transitions to the broker so
// pipeline stages outside this process can react to model loss.
func relayModelStatus(ctx context.Context, models *service.ModelService, publisher port.EventPublisher, log *zap.Logger) {
	updates, unsubscribe := models.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			msg, err := json.Marshal(entity.SegmentationEvent{
				Type:  entity.EventModelStatusChanged,
				State: st.State,
				Error: st.Error,
				At:    time.Now().UTC(),
			})
			if err != nil {
				continue
			}
			if err := publisher.PublishEvent(ctx, msg); err != nil {
				log.Warn("publish model status", zap.Error(err))
			}
		}
	}
}

func fatalOnErr(err error, msg string) {
	if err != nil {
		panic(msg + ": " + err.Error())
	}
}
