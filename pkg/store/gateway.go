package store

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/common/models"
	"github.com/newsloom-ai/pipeline/pkg/common/retry"
	"github.com/newsloom-ai/pipeline/pkg/dedup"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// GatewayOptions carries the persistence tunables; zero values fall back to
// the documented defaults.
type GatewayOptions struct {
	SubBatchSize        int
	Retries             int
	RetryBase           time.Duration
	SimilarityThreshold float64
	TitleWindow         time.Duration
	DefaultReputation   int
	Source              SourceDescriptor
}

// Gateway is the transactional persistence boundary for stories. Every
// database call is retried with exponential backoff; an error surviving the
// retries is fatal for the caller's job attempt and propagates unchanged.
type Gateway struct {
	repo *Repository
	opts GatewayOptions
}

func NewGateway(repo *Repository, opts GatewayOptions) *Gateway {
	if opts.SubBatchSize <= 0 {
		opts.SubBatchSize = 50
	}
	if opts.Retries <= 0 {
		opts.Retries = 3
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = time.Second
	}
	if opts.DefaultReputation <= 0 {
		opts.DefaultReputation = 70
	}
	if opts.Source.URL == "" {
		opts.Source = SourceDescriptor{
			Type:  "api",
			Title: "Hacker News",
			URL:   "https://news.ycombinator.com",
		}
	}
	return &Gateway{repo: repo, opts: opts}
}

func (g *Gateway) Repository() *Repository {
	return g.repo
}

// EnsureSource finds the source by its url natural key, creating it with
// defaults on first sight. Concurrent callers race on the unique constraint;
// the loser re-reads the winner's row.
func (g *Gateway) EnsureSource(ctx context.Context, desc SourceDescriptor) (*Source, error) {
	var source *Source
	err := retry.Do(ctx, "ensure source", g.opts.Retries, g.opts.RetryBase, func() error {
		existing, err := g.repo.FindSourceByURL(ctx, desc.URL)
		if err != nil {
			return err
		}
		if existing != nil {
			source = existing
			return nil
		}

		created := &Source{
			ID:         uuid.New().String(),
			Type:       desc.Type,
			Title:      desc.Title,
			URL:        desc.URL,
			Country:    desc.Country,
			Reputation: g.opts.DefaultReputation,
			Enabled:    true,
		}
		if err := g.repo.CreateSource(ctx, created); err != nil {
			// On a unique violation we lost the race; the next retry
			// reads the winner.
			return err
		}
		source = created
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensuring source %s: %w", desc.URL, err)
	}
	return source, nil
}

// SaveBatch persists stories in sub-batches, each inside one transaction.
// Story order within a batch is preserved so the duplicate check sees rows
// inserted earlier in the same sub-batch. Per-item problems are counted and
// never abort the batch; only infrastructure failure after retries returns an
// error.
func (g *Gateway) SaveBatch(ctx context.Context, stories []models.Story) (models.SaveResult, error) {
	return g.saveBatch(ctx, g.opts.Source, stories)
}

func (g *Gateway) saveBatch(ctx context.Context, desc SourceDescriptor, stories []models.Story) (models.SaveResult, error) {
	var total models.SaveResult

	source, err := g.EnsureSource(ctx, desc)
	if err != nil {
		return total, err
	}
	prefix := fingerprintPrefix(desc)

	for start := 0; start < len(stories); start += g.opts.SubBatchSize {
		end := start + g.opts.SubBatchSize
		if end > len(stories) {
			end = len(stories)
		}
		sub := stories[start:end]

		var res models.SaveResult
		err := retry.Do(ctx, "save sub-batch", g.opts.Retries, g.opts.RetryBase, func() error {
			res = models.SaveResult{}
			return g.repo.Transaction(ctx, func(tx *Repository) error {
				checker := dedup.NewChecker(lookup{repo: tx}, g.opts.SimilarityThreshold, g.opts.TitleWindow)
				for _, story := range sub {
					g.saveOne(ctx, tx, checker, story, source.ID, prefix, &res)
				}
				return nil
			})
		})
		if err != nil {
			// Completed sub-batches stay committed; the job-level retry
			// re-runs the whole batch and dedups what already landed.
			return total, fmt.Errorf("saving sub-batch: %w", err)
		}
		total.Add(res)
	}

	logger.Log.WithFields(map[string]interface{}{
		"saved":      total.Saved,
		"skipped":    total.Skipped,
		"duplicates": total.Duplicates,
		"errors":     total.Errors,
	}).Info("batch persisted")

	return total, nil
}

// SaveOne persists a single story with the same semantics as SaveBatch.
// Attribution: an explicit descriptor wins; otherwise the source is derived
// from the story's url host, falling back to the configured default for
// url-less stories.
func (g *Gateway) SaveOne(ctx context.Context, story models.Story, desc *SourceDescriptor) (models.SaveResult, error) {
	return g.saveBatch(ctx, g.descriptorFor(story, desc), []models.Story{story})
}

// descriptorFor resolves the source a single submitted story belongs to.
func (g *Gateway) descriptorFor(story models.Story, desc *SourceDescriptor) SourceDescriptor {
	if desc != nil && desc.URL != "" {
		out := *desc
		if out.Type == "" {
			out.Type = "web"
		}
		if out.Title == "" {
			out.Title = outletOf(out.URL)
		}
		return out
	}

	parsed, err := url.Parse(story.URL)
	if err != nil || parsed.Host == "" || parsed.Host == "news.ycombinator.com" {
		return g.opts.Source
	}
	host := strings.TrimPrefix(parsed.Host, "www.")
	scheme := parsed.Scheme
	if scheme == "" {
		scheme = "https"
	}
	return SourceDescriptor{
		Type:  "web",
		Title: host,
		URL:   scheme + "://" + parsed.Host,
	}
}

// fingerprintPrefix partitions the hash space per source family so a story
// submitted for a web source never collides with a Hacker News fingerprint.
func fingerprintPrefix(desc SourceDescriptor) string {
	if desc.Type == "api" {
		return dedup.FingerprintPrefix
	}
	return "web_"
}

func (g *Gateway) saveOne(ctx context.Context, tx *Repository, checker *dedup.Checker, story models.Story, sourceID, prefix string, res *models.SaveResult) {
	if strings.TrimSpace(story.Title) == "" || story.ExternalID == "" {
		logger.Log.WithField("external_id", story.ExternalID).Warn("malformed story, counting as error")
		res.Errors++
		return
	}

	fingerprint := dedup.FingerprintWithPrefix(prefix, story)
	check, err := checker.Check(ctx, story, fingerprint)
	if err != nil {
		logger.Log.WithError(err).WithField("external_id", story.ExternalID).Warn("duplicate check failed for story")
		res.Errors++
		return
	}
	if check.IsDuplicate {
		if check.Reason == dedup.ReasonHash {
			res.Skipped++
		} else {
			res.Duplicates++
		}
		logger.Log.WithFields(map[string]interface{}{
			"external_id": story.ExternalID,
			"reason":      check.Reason,
		}).Debug("duplicate story")
		return
	}

	article := articleFromStory(story, sourceID, fingerprint)
	err = tx.Savepoint(ctx, func(item *Repository) error {
		return item.CreateArticle(ctx, article)
	})
	switch {
	case err == nil:
		res.Saved++
	case isUniqueViolation(err):
		// A concurrent batch inserted the same story between our check and
		// this insert; the unique constraints are the backstop.
		res.Skipped++
	default:
		logger.Log.WithError(err).WithField("external_id", story.ExternalID).Warn("story insert failed")
		res.Errors++
	}
}

// BulkInsert is the high-throughput backfill path: prefetch the known
// fingerprints and urls, filter client-side, then write the remainder in one
// multi-row insert with conflict-skipping as the safety net. Counts reconcile
// with the transactional path: hash hits are skipped, url hits duplicates.
func (g *Gateway) BulkInsert(ctx context.Context, stories []models.Story) (models.SaveResult, error) {
	var res models.SaveResult

	source, err := g.EnsureSource(ctx, g.opts.Source)
	if err != nil {
		return res, err
	}

	hashes := make([]string, 0, len(stories))
	urls := make([]string, 0, len(stories))
	fingerprints := make(map[int]string, len(stories))
	for i, story := range stories {
		if strings.TrimSpace(story.Title) == "" || story.ExternalID == "" {
			continue
		}
		fp := dedup.Fingerprint(story)
		fingerprints[i] = fp
		hashes = append(hashes, fp)
		if story.URL != "" {
			urls = append(urls, story.URL)
		}
	}

	var knownHashes, knownURLs map[string]struct{}
	err = retry.Do(ctx, "bulk prefetch", g.opts.Retries, g.opts.RetryBase, func() error {
		var err error
		if knownHashes, err = g.repo.ExistingHashes(ctx, hashes); err != nil {
			return err
		}
		knownURLs, err = g.repo.ExistingURLs(ctx, urls)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("bulk prefetch: %w", err)
	}

	seenHash := make(map[string]struct{})
	seenURL := make(map[string]struct{})
	candidates := make([]Article, 0, len(stories))
	for i, story := range stories {
		fp, ok := fingerprints[i]
		if !ok {
			res.Errors++
			continue
		}
		if _, dup := knownHashes[fp]; dup {
			res.Skipped++
			continue
		}
		if _, dup := seenHash[fp]; dup {
			res.Skipped++
			continue
		}
		if story.URL != "" {
			if _, dup := knownURLs[story.URL]; dup {
				res.Duplicates++
				continue
			}
			if _, dup := seenURL[story.URL]; dup {
				res.Duplicates++
				continue
			}
			seenURL[story.URL] = struct{}{}
		}
		seenHash[fp] = struct{}{}
		candidates = append(candidates, *articleFromStory(story, source.ID, fp))
	}

	var written int64
	err = retry.Do(ctx, "bulk insert", g.opts.Retries, g.opts.RetryBase, func() error {
		var err error
		written, err = g.repo.InsertArticles(ctx, candidates)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("bulk insert: %w", err)
	}

	res.Saved = int(written)
	// Rows the conflict clause swallowed were racing duplicates.
	res.Skipped += len(candidates) - int(written)
	return res, nil
}

// CleanupOlderThan deletes articles created strictly before now minus the
// retention window and reports how many went away. Re-running with the same
// cutoff deletes nothing extra.
func (g *Gateway) CleanupOlderThan(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -days)

	var deleted int64
	err := retry.Do(ctx, "cleanup", g.opts.Retries, g.opts.RetryBase, func() error {
		var err error
		deleted, err = g.repo.DeleteArticlesBefore(ctx, cutoff)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup older than %d days: %w", days, err)
	}

	logger.Log.WithFields(map[string]interface{}{
		"days":    days,
		"deleted": deleted,
	}).Info("cleanup finished")

	return deleted, nil
}

// PendingArticles lists articles awaiting enrichment, oldest first.
func (g *Gateway) PendingArticles(ctx context.Context, limit int) ([]Article, error) {
	var articles []Article
	err := retry.Do(ctx, "list pending", g.opts.Retries, g.opts.RetryBase, func() error {
		var err error
		articles, err = g.repo.ArticlesByStatus(ctx, StatusPending, limit)
		return err
	})
	return articles, err
}

// FailedArticles lists articles whose enrichment failed, oldest first.
func (g *Gateway) FailedArticles(ctx context.Context, limit int) ([]Article, error) {
	var articles []Article
	err := retry.Do(ctx, "list failed", g.opts.Retries, g.opts.RetryBase, func() error {
		var err error
		articles, err = g.repo.ArticlesByStatus(ctx, StatusFailed, limit)
		return err
	})
	return articles, err
}

func (g *Gateway) GetArticle(ctx context.Context, id string) (*Article, error) {
	return g.repo.GetArticle(ctx, id)
}

// MarkProcessing claims a pending or previously failed article for
// enrichment. Completed and in-flight articles are never reclaimed.
func (g *Gateway) MarkProcessing(ctx context.Context, id string) error {
	return g.repo.UpdateStatus(ctx, id, StatusProcessing, []string{StatusPending, StatusFailed}, nil)
}

func (g *Gateway) MarkCompleted(ctx context.Context, id, cleanedText, summary string) error {
	now := time.Now().UTC()
	return g.repo.UpdateStatus(ctx, id, StatusCompleted, []string{StatusProcessing}, map[string]interface{}{
		"cleaned_text": cleanedText,
		"summary":      summary,
		"processed_at": now,
		"last_error":   "",
	})
}

func (g *Gateway) MarkFailed(ctx context.Context, id string, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return g.repo.UpdateStatus(ctx, id, StatusFailed, []string{StatusProcessing}, map[string]interface{}{
		"last_error": msg,
	})
}

func articleFromStory(story models.Story, sourceID, fingerprint string) *Article {
	return &Article{
		ID:               uuid.New().String(),
		SourceID:         sourceID,
		URL:              storyURL(story),
		Title:            story.Title,
		Author:           story.Author,
		Outlet:           outletOf(story.URL),
		PublishedAt:      time.Unix(story.PublishedAt, 0).UTC(),
		Language:         "en",
		Hash:             fingerprint,
		ProcessingStatus: StatusPending,
		Raw: datatypes.JSONMap{
			"external_id": story.ExternalID,
			"category":    story.Category,
			"score":       story.Score,
		},
	}
}

// storyURL falls back to the item's discussion page for url-less self posts,
// keeping the url unique constraint meaningful.
func storyURL(story models.Story) string {
	if story.URL != "" {
		return story.URL
	}
	return "https://news.ycombinator.com/item?id=" + story.ExternalID
}

func outletOf(rawURL string) string {
	if rawURL == "" {
		return "news.ycombinator.com"
	}
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return ""
	}
	return strings.TrimPrefix(parsed.Host, "www.")
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") || // postgres
		strings.Contains(msg, "UNIQUE constraint failed") // sqlite
}
