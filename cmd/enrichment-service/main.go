package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/newsloom-ai/pipeline/pkg/common/config"
	"github.com/newsloom-ai/pipeline/pkg/common/database"
	"github.com/newsloom-ai/pipeline/pkg/common/kafka"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/enrich"
	"github.com/newsloom-ai/pipeline/pkg/queue"
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
		Retries:   cfg.StorageRetries,
		RetryBase: cfg.StorageRetryBase,
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	archiver, err := enrich.NewArchiver(ctx, cfg.ArchiveBucket, cfg.ArchiveRegion)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to configure archiver")
	}

	summarizer := enrich.NewSummarizer(cfg.SummarizerPrimaryURL, cfg.SummarizerSecondaryURL, cfg.SummarizerTimeout)
	enricher := enrich.New(gateway, summarizer, archiver, enrich.Options{
		FetchTimeout: cfg.ContentFetchTimeout,
		PendingLimit: cfg.PendingScanBatch,
	})

	broker := queue.New(rdb, queue.Options{
		Prefix:        cfg.QueuePrefix,
		MaxAttempts:   cfg.QueueMaxAttempts,
		BackoffBase:   cfg.QueueBackoffBase,
		KeepCompleted: cfg.QueueKeepCompleted,
		KeepFailed:    cfg.QueueKeepFailed,
		Workers:       cfg.QueueWorkers,
		LeaseTime:     cfg.QueueLeaseTime,
	})
	enricher.Register(broker)

	go func() {
		if err := broker.Run(ctx); err != nil && err != context.Canceled {
			logger.Log.WithError(err).Error("queue workers stopped")
		}
	}()

	consumer := kafka.NewConsumer(cfg.KafkaBrokers, cfg.ArticleTopic, cfg.EnrichmentGroup)
	defer consumer.Close()

	go func() {
		logger.Log.WithField("topic", cfg.ArticleTopic).Info("consuming saved-article events")
		if err := consumer.Consume(ctx, enricher.HandleEvent); err != nil && err != context.Canceled {
			logger.Log.WithError(err).Error("event consumer stopped")
		}
	}()

	logger.Log.Info("Enrichment Service started")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down Enrichment Service...")
	cancel()

	logger.Log.Info("Enrichment Service stopped")
}
