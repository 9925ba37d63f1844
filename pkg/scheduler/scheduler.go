package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/common/models"
	"github.com/newsloom-ai/pipeline/pkg/processor"
	"github.com/newsloom-ai/pipeline/pkg/queue"
	"github.com/newsloom-ai/pipeline/pkg/store"
)

// Source fetches stories per category; a failed category contributes an
// empty slice.
type Source interface {
	FetchAll(ctx context.Context, categories []string) map[string][]models.Story
}

// Broker is the slice of the queue the scheduler produces into.
type Broker interface {
	Enqueue(ctx context.Context, kind string, payload interface{}, opts queue.EnqueueOptions) (string, error)
	Clean(ctx context.Context, olderThan time.Duration, state string) (int64, error)
}

// Articles lists articles by enrichment state.
type Articles interface {
	PendingArticles(ctx context.Context, limit int) ([]store.Article, error)
	FailedArticles(ctx context.Context, limit int) ([]store.Article, error)
}

// Options carry the trigger cadences and batch sizes.
type Options struct {
	Categories          []string
	IngestInterval      time.Duration
	PendingScanInterval time.Duration
	PendingScanBatch    int
	MaintenanceInterval time.Duration
	FailedRetryBatch    int
	CleanupAfterDays    int
	MaxJitter           time.Duration
}

// Scheduler owns the time-driven triggers of the pipeline. Every trigger is
// self-healing per tick: an error is logged and the next tick fires normally.
type Scheduler struct {
	source   Source
	broker   Broker
	articles Articles
	opts     Options
}

func New(source Source, broker Broker, articles Articles, opts Options) *Scheduler {
	if opts.IngestInterval <= 0 {
		opts.IngestInterval = 30 * time.Minute
	}
	if opts.PendingScanInterval <= 0 {
		opts.PendingScanInterval = 15 * time.Minute
	}
	if opts.PendingScanBatch <= 0 {
		opts.PendingScanBatch = 5
	}
	if opts.MaintenanceInterval <= 0 {
		opts.MaintenanceInterval = 24 * time.Hour
	}
	if opts.FailedRetryBatch <= 0 {
		opts.FailedRetryBatch = 50
	}
	if opts.CleanupAfterDays <= 0 {
		opts.CleanupAfterDays = 30
	}
	if len(opts.Categories) == 0 {
		opts.Categories = []string{"top", "best", "new"}
	}
	return &Scheduler{source: source, broker: broker, articles: articles, opts: opts}
}

// RunIngestionCycle executes one pipeline run: fetch everything, enqueue the
// combined batch, then enqueue the retention cleanup. A step failure aborts
// the rest of this cycle only; the next scheduled cycle is unaffected.
func (s *Scheduler) RunIngestionCycle(ctx context.Context) error {
	started := time.Now()
	byCategory := s.source.FetchAll(ctx, s.opts.Categories)

	// Categories overlap (a top story is often also new); keep the first
	// occurrence of each external id.
	seen := make(map[string]struct{})
	var stories []models.Story
	for _, category := range s.opts.Categories {
		for _, story := range byCategory[category] {
			if _, dup := seen[story.ExternalID]; dup {
				continue
			}
			seen[story.ExternalID] = struct{}{}
			stories = append(stories, story)
		}
	}

	if len(stories) > 0 {
		jobID, err := s.broker.Enqueue(ctx, queue.KindProcessBatch, processor.BatchPayload{Stories: stories}, queue.EnqueueOptions{})
		if err != nil {
			return fmt.Errorf("enqueueing batch: %w", err)
		}
		logger.Log.WithFields(map[string]interface{}{
			"job_id":  jobID,
			"stories": len(stories),
			"elapsed": time.Since(started).String(),
		}).Info("ingestion batch enqueued")
	} else {
		logger.Log.Warn("ingestion cycle fetched no stories")
	}

	if _, err := s.broker.Enqueue(ctx, queue.KindCleanup, processor.CleanupPayload{Days: s.opts.CleanupAfterDays}, queue.EnqueueOptions{}); err != nil {
		return fmt.Errorf("enqueueing cleanup: %w", err)
	}

	return nil
}

// RunPendingScan enqueues a small batch of pending articles for enrichment.
// Each job gets a random delay so a burst of articles does not stampede the
// summarizer.
func (s *Scheduler) RunPendingScan(ctx context.Context) error {
	pending, err := s.articles.PendingArticles(ctx, s.opts.PendingScanBatch)
	if err != nil {
		return fmt.Errorf("listing pending articles: %w", err)
	}
	return s.enqueueEnrichment(ctx, pending, "pending")
}

// RunMaintenance requeues failed articles for another enrichment pass and
// trims the terminal job sets.
func (s *Scheduler) RunMaintenance(ctx context.Context) error {
	failed, err := s.articles.FailedArticles(ctx, s.opts.FailedRetryBatch)
	if err != nil {
		return fmt.Errorf("listing failed articles: %w", err)
	}
	if err := s.enqueueEnrichment(ctx, failed, "failed"); err != nil {
		return err
	}

	if _, err := s.broker.Clean(ctx, 24*time.Hour, queue.StateCompleted); err != nil {
		return fmt.Errorf("cleaning completed jobs: %w", err)
	}
	if _, err := s.broker.Clean(ctx, 7*24*time.Hour, queue.StateFailed); err != nil {
		return fmt.Errorf("cleaning failed jobs: %w", err)
	}
	return nil
}

func (s *Scheduler) enqueueEnrichment(ctx context.Context, articles []store.Article, origin string) error {
	for _, article := range articles {
		opts := queue.EnqueueOptions{}
		if s.opts.MaxJitter > 0 {
			opts.Delay = time.Duration(rand.Int63n(int64(s.opts.MaxJitter)))
		}
		if _, err := s.broker.Enqueue(ctx, queue.KindEnrich, processor.EnrichPayload{ArticleID: article.ID}, opts); err != nil {
			return fmt.Errorf("enqueueing enrichment for %s: %w", article.ID, err)
		}
	}
	if len(articles) > 0 {
		logger.Log.WithFields(map[string]interface{}{
			"origin":   origin,
			"articles": len(articles),
		}).Info("enrichment jobs enqueued")
	}
	return nil
}

// Start launches the three recurring triggers and blocks until the context is
// canceled. The triggered work runs in its own goroutine so a slow cycle
// never delays the timer.
func (s *Scheduler) Start(ctx context.Context) {
	go s.loop(ctx, "ingestion", s.opts.IngestInterval, s.RunIngestionCycle)
	go s.loop(ctx, "pending-scan", s.opts.PendingScanInterval, s.RunPendingScan)
	go s.loop(ctx, "maintenance", s.opts.MaintenanceInterval, s.RunMaintenance)

	logger.Log.WithFields(map[string]interface{}{
		"ingest_every":       s.opts.IngestInterval.String(),
		"pending_scan_every": s.opts.PendingScanInterval.String(),
		"maintenance_every":  s.opts.MaintenanceInterval.String(),
	}).Info("scheduler started")
}

func (s *Scheduler) loop(ctx context.Context, name string, interval time.Duration, run func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			go func() {
				defer func() {
					if r := recover(); r != nil {
						logger.Log.WithField("trigger", name).Errorf("trigger panicked: %v", r)
					}
				}()
				if err := run(ctx); err != nil {
					logger.Log.WithError(err).WithField("trigger", name).Error("scheduled run failed")
				}
			}()
		}
	}
}
