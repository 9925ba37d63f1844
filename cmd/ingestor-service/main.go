package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/newsloom-ai/pipeline/pkg/common/config"
	"github.com/newsloom-ai/pipeline/pkg/common/database"
	"github.com/newsloom-ai/pipeline/pkg/common/kafka"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/hackernews"
	"github.com/newsloom-ai/pipeline/pkg/ingest"
	"github.com/newsloom-ai/pipeline/pkg/processor"
	"github.com/newsloom-ai/pipeline/pkg/queue"
	"github.com/newsloom-ai/pipeline/pkg/scheduler"
	"github.com/newsloom-ai/pipeline/pkg/store"
)

func main() {
	logger.Init()
	cfg := config.Load()

	db, err := database.ConnectPostgres(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to postgres")
	}
	defer database.ClosePostgres(db)

	repo := store.NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		logger.Log.WithError(err).Fatal("failed to migrate article tables")
	}

	rdb, err := database.ConnectRedis(cfg)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to connect to redis")
	}
	defer rdb.Close()

	gateway := store.NewGateway(repo, store.GatewayOptions{
		SubBatchSize:        cfg.SaveSubBatchSize,
		Retries:             cfg.StorageRetries,
		RetryBase:           cfg.StorageRetryBase,
		SimilarityThreshold: cfg.DedupSimilarityThreshold,
		TitleWindow:         cfg.DedupTitleWindow,
		DefaultReputation:   cfg.SourceReputation,
	})

	producer := kafka.NewProducer(cfg.KafkaBrokers, cfg.ArticleTopic)
	defer producer.Close()

	broker := queue.New(rdb, queue.Options{
		Prefix:        cfg.QueuePrefix,
		MaxAttempts:   cfg.QueueMaxAttempts,
		BackoffBase:   cfg.QueueBackoffBase,
		KeepCompleted: cfg.QueueKeepCompleted,
		KeepFailed:    cfg.QueueKeepFailed,
		Workers:       cfg.QueueWorkers,
		LeaseTime:     cfg.QueueLeaseTime,
	})
	processor.New(gateway, producer).Register(broker)

	source := hackernews.NewClient(hackernews.Options{
		BaseURL:    cfg.SourceBaseURL,
		Timeout:    cfg.SourceTimeout,
		Limit:      cfg.FetchLimit,
		BatchSize:  cfg.FetchBatchSize,
		BatchPause: cfg.FetchBatchPause,
		Retries:    cfg.StorageRetries,
	})

	sched := scheduler.New(source, broker, gateway, scheduler.Options{
		Categories:          cfg.SourceCategories,
		IngestInterval:      cfg.IngestInterval,
		PendingScanInterval: cfg.PendingScanInterval,
		PendingScanBatch:    cfg.PendingScanBatch,
		MaintenanceInterval: cfg.MaintenanceInterval,
		FailedRetryBatch:    cfg.FailedRetryBatch,
		CleanupAfterDays:    cfg.CleanupAfterDays,
		MaxJitter:           cfg.SingleJobMaxJitter,
	})

	handler := ingest.NewHTTPHandler(sched, broker, cfg.SingleJobMaxJitter)

	router := mux.NewRouter()
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	}).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	handler.Register(api)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.ServerHost, cfg.ServerPort),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := broker.Run(ctx); err != nil && err != context.Canceled {
			logger.Log.WithError(err).Error("queue workers stopped")
		}
	}()

	sched.Start(ctx)

	go func() {
		logger.Log.WithFields(map[string]interface{}{
			"host": cfg.ServerHost,
			"port": cfg.ServerPort,
		}).Info("Ingestor Service started")

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.WithError(err).Fatal("failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Ingestor Service...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.WithError(err).Error("server forced to shutdown")
	}

	logger.Log.Info("Ingestor Service stopped")
}
