package enrich

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/common/models"
	"github.com/newsloom-ai/pipeline/pkg/processor"
	"github.com/newsloom-ai/pipeline/pkg/queue"
	"github.com/newsloom-ai/pipeline/pkg/store"
)

// Storage is the slice of the storage gateway the enricher calls into.
type Storage interface {
	GetArticle(ctx context.Context, id string) (*store.Article, error)
	PendingArticles(ctx context.Context, limit int) ([]store.Article, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id, cleanedText, summary string) error
	MarkFailed(ctx context.Context, id string, cause error) error
}

// Options tune the enricher. Zero values take sensible defaults.
type Options struct {
	FetchTimeout time.Duration
	PendingLimit int
}

// Enricher turns a pending article into a completed one: it fetches the page,
// extracts readable text, summarizes it and records the outcome. Archiver may
// be nil when raw-page archival is not configured.
type Enricher struct {
	storage    Storage
	summarizer *Summarizer
	archiver   *Archiver
	client     *resty.Client
	opts       Options
}

func New(storage Storage, summarizer *Summarizer, archiver *Archiver, opts Options) *Enricher {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Second
	}
	if opts.PendingLimit <= 0 {
		opts.PendingLimit = 5
	}
	return &Enricher{
		storage:    storage,
		summarizer: summarizer,
		archiver:   archiver,
		client: resty.New().
			SetTimeout(opts.FetchTimeout).
			SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)),
		opts: opts,
	}
}

// Register binds the enricher to its job kind.
func (e *Enricher) Register(q *queue.Queue) {
	q.Register(queue.KindEnrich, e.HandleJob)
}

// HandleJob enriches one article by id. A vanished article completes the job
// quietly; a fetch or extraction failure marks the article failed and returns
// the error so the broker retries with backoff.
func (e *Enricher) HandleJob(ctx context.Context, job *queue.Job) error {
	var payload processor.EnrichPayload
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("decoding enrich payload: %w", err)
	}
	return e.Enrich(ctx, payload.ArticleID)
}

// Enrich runs the full pipeline for a single article.
func (e *Enricher) Enrich(ctx context.Context, articleID string) error {
	article, err := e.storage.GetArticle(ctx, articleID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.Log.WithField("article_id", articleID).Warn("article vanished before enrichment")
			return nil
		}
		return fmt.Errorf("loading article %s: %w", articleID, err)
	}

	switch article.ProcessingStatus {
	case store.StatusCompleted, store.StatusProcessing:
		logger.Log.WithFields(map[string]interface{}{
			"article_id": articleID,
			"status":     article.ProcessingStatus,
		}).Debug("article not eligible for enrichment")
		return nil
	}

	if err := e.storage.MarkProcessing(ctx, articleID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Lost the claim race to another worker.
			return nil
		}
		return fmt.Errorf("claiming article %s: %w", articleID, err)
	}

	text, raw, err := e.fetchText(ctx, article.URL)
	if err != nil {
		if markErr := e.storage.MarkFailed(ctx, articleID, err); markErr != nil {
			logger.Log.WithError(markErr).WithField("article_id", articleID).Error("failed to record enrichment failure")
		}
		return fmt.Errorf("enriching article %s: %w", articleID, err)
	}

	summary := e.summarizer.Summarize(ctx, article.Title, text)

	if e.archiver != nil {
		if err := e.archiver.Archive(ctx, articleID, raw); err != nil {
			logger.Log.WithError(err).WithField("article_id", articleID).Warn("failed to archive raw html")
		}
	}

	if err := e.storage.MarkCompleted(ctx, articleID, text, summary); err != nil {
		return fmt.Errorf("completing article %s: %w", articleID, err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"article_id": articleID,
		"text_len":   len(text),
	}).Info("article enriched")
	return nil
}

// ProcessPending sweeps up to the configured number of pending articles. Used
// by the event-driven path, where the event only signals that new rows exist.
func (e *Enricher) ProcessPending(ctx context.Context) error {
	articles, err := e.storage.PendingArticles(ctx, e.opts.PendingLimit)
	if err != nil {
		return fmt.Errorf("listing pending articles: %w", err)
	}
	for _, article := range articles {
		if err := e.Enrich(ctx, article.ID); err != nil {
			logger.Log.WithError(err).WithField("article_id", article.ID).Error("enrichment failed")
		}
	}
	return nil
}

// HandleEvent reacts to saved-article events from the ingestion side.
func (e *Enricher) HandleEvent(ctx context.Context, event models.Event) error {
	if event.Type != processor.EventArticlesSaved {
		return nil
	}
	return e.ProcessPending(ctx)
}

func (e *Enricher) fetchText(ctx context.Context, url string) (text string, raw []byte, err error) {
	resp, err := e.client.R().SetContext(ctx).Get(url)
	if err != nil {
		return "", nil, fmt.Errorf("fetching %s: %w", url, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return "", nil, fmt.Errorf("fetching %s: status %d", url, resp.StatusCode())
	}

	raw = resp.Body()
	text, err = ExtractText(string(raw))
	if err != nil {
		return "", nil, fmt.Errorf("extracting text from %s: %w", url, err)
	}
	return text, raw, nil
}
