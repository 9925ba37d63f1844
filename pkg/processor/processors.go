package processor

import (
	"context"
	"fmt"

	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/common/models"
	"github.com/newsloom-ai/pipeline/pkg/queue"
	"github.com/newsloom-ai/pipeline/pkg/store"
)

// Storage is the slice of the storage gateway the processors call into.
type Storage interface {
	SaveBatch(ctx context.Context, stories []models.Story) (models.SaveResult, error)
	SaveOne(ctx context.Context, story models.Story, desc *store.SourceDescriptor) (models.SaveResult, error)
	CleanupOlderThan(ctx context.Context, days int) (int64, error)
}

// Publisher emits saved-article events for downstream consumers. May be nil.
type Publisher interface {
	PublishEvent(ctx context.Context, eventType string, source string, data map[string]interface{}) error
}

// Event types published after persistence.
const EventArticlesSaved = "articles.saved"

// Payloads carried by queue jobs.
type BatchPayload struct {
	Stories []models.Story `json:"stories"`
}

type SinglePayload struct {
	Story models.Story `json:"story"`
	// Source optionally names the source the story belongs to; when absent
	// the gateway derives one from the story's url host.
	Source *store.SourceDescriptor `json:"source,omitempty"`
}

type CleanupPayload struct {
	Days int `json:"days"`
}

type EnrichPayload struct {
	ArticleID string `json:"article_id"`
}

// Processors are the queue-facing consumers of the pipeline. They are the
// only layer allowed to return errors to the broker, which is what arms the
// broker's retry policy; everything beneath classifies and counts instead.
type Processors struct {
	storage   Storage
	publisher Publisher
}

func New(storage Storage, publisher Publisher) *Processors {
	return &Processors{storage: storage, publisher: publisher}
}

// Register binds one handler per job kind.
func (p *Processors) Register(q *queue.Queue) {
	q.Register(queue.KindProcessBatch, p.ProcessBatch)
	q.Register(queue.KindProcessSingle, p.ProcessSingle)
	q.Register(queue.KindCleanup, p.Cleanup)
}

// ProcessBatch persists the batch and reports counts. Infrastructure failure
// propagates so the broker retries the whole job.
func (p *Processors) ProcessBatch(ctx context.Context, job *queue.Job) error {
	var payload BatchPayload
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("decoding batch payload: %w", err)
	}

	result, err := p.storage.SaveBatch(ctx, payload.Stories)
	if err != nil {
		return fmt.Errorf("saving batch: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"job_id":     job.ID,
		"stories":    len(payload.Stories),
		"saved":      result.Saved,
		"skipped":    result.Skipped,
		"duplicates": result.Duplicates,
		"errors":     result.Errors,
	}).Info("batch job processed")

	p.publishSaved(ctx, result)
	return nil
}

// ProcessSingle is the low-latency path for manually submitted stories.
func (p *Processors) ProcessSingle(ctx context.Context, job *queue.Job) error {
	var payload SinglePayload
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("decoding single payload: %w", err)
	}

	result, err := p.storage.SaveOne(ctx, payload.Story, payload.Source)
	if err != nil {
		return fmt.Errorf("saving story: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"job_id":      job.ID,
		"external_id": payload.Story.ExternalID,
		"saved":       result.Saved,
		"skipped":     result.Skipped,
		"duplicates":  result.Duplicates,
	}).Info("single job processed")

	p.publishSaved(ctx, result)
	return nil
}

// Cleanup purges aged articles. Safe to re-run with the same cutoff.
func (p *Processors) Cleanup(ctx context.Context, job *queue.Job) error {
	var payload CleanupPayload
	if err := job.Unmarshal(&payload); err != nil {
		return fmt.Errorf("decoding cleanup payload: %w", err)
	}
	if payload.Days <= 0 {
		return fmt.Errorf("cleanup days must be positive, got %d", payload.Days)
	}

	deleted, err := p.storage.CleanupOlderThan(ctx, payload.Days)
	if err != nil {
		return fmt.Errorf("cleaning up: %w", err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"job_id":  job.ID,
		"days":    payload.Days,
		"deleted": deleted,
	}).Info("cleanup job processed")

	return nil
}

// publishSaved notifies the enrichment side. The rows are already committed,
// so a publish failure is logged rather than failing the job and re-saving.
func (p *Processors) publishSaved(ctx context.Context, result models.SaveResult) {
	if p.publisher == nil || result.Saved == 0 {
		return
	}
	err := p.publisher.PublishEvent(ctx, EventArticlesSaved, "ingestor-service", map[string]interface{}{
		"saved":      result.Saved,
		"skipped":    result.Skipped,
		"duplicates": result.Duplicates,
		"errors":     result.Errors,
	})
	if err != nil {
		logger.Log.WithError(err).Warn("failed to publish saved-articles event")
	}
}
