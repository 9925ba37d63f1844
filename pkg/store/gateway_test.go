package store

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/newsloom-ai/pipeline/pkg/common/models"
	"github.com/newsloom-ai/pipeline/pkg/dedup"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "pipeline.db")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		t.Fatalf("opening sqlite: %v", err)
	}

	repo := NewRepository(db)
	if err := repo.AutoMigrate(); err != nil {
		t.Fatalf("migrating: %v", err)
	}

	return NewGateway(repo, GatewayOptions{
		SubBatchSize:        50,
		Retries:             2,
		RetryBase:           time.Millisecond,
		SimilarityThreshold: 0.80,
		TitleWindow:         30 * 24 * time.Hour,
	})
}

func testStory(id int, title, url string) models.Story {
	return models.Story{
		ExternalID:  fmt.Sprintf("%d", id),
		Title:       title,
		Author:      "alice",
		URL:         url,
		PublishedAt: time.Now().Add(-time.Hour).Unix(),
		Score:       10,
		Category:    "top",
	}
}

func TestSaveBatchIdempotentReingestion(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	batch := []models.Story{
		testStory(1, "Go 1.24 released", "https://example.com/go"),
		testStory(2, "Postgres performance tips", "https://example.com/pg"),
	}

	first, err := g.SaveBatch(ctx, batch)
	if err != nil {
		t.Fatalf("first save: %v", err)
	}
	if first.Saved != 2 || first.Skipped != 0 || first.Errors != 0 {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := g.SaveBatch(ctx, batch)
	if err != nil {
		t.Fatalf("second save: %v", err)
	}
	if second.Saved != 0 {
		t.Fatalf("re-ingestion must not save again: %+v", second)
	}
	if second.Skipped != 2 {
		t.Fatalf("re-ingested stories must be hash-skipped: %+v", second)
	}
}

func TestSaveBatchPartialFailureIsolation(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	batch := make([]models.Story, 0, 10)
	for i := 1; i <= 9; i++ {
		batch = append(batch, testStory(i, fmt.Sprintf("unique story number %d", i), fmt.Sprintf("https://example.com/%d", i)))
	}
	batch = append(batch, testStory(10, "   ", "https://example.com/10"))

	res, err := g.SaveBatch(ctx, batch)
	if err != nil {
		t.Fatalf("a malformed item must not fail the batch: %v", err)
	}
	if res.Saved != 9 {
		t.Fatalf("expected 9 saved, got %+v", res)
	}
	if res.Errors != 1 {
		t.Fatalf("expected 1 error for the malformed item, got %+v", res)
	}
}

func TestSaveBatchURLDuplicate(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.SaveBatch(ctx, []models.Story{testStory(1, "original coverage", "https://example.com/story")}); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	res, err := g.SaveBatch(ctx, []models.Story{testStory(2, "completely different headline words", "https://example.com/story")})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Saved != 0 || res.Duplicates != 1 {
		t.Fatalf("same-url story must count as duplicate, got %+v", res)
	}
}

func TestSaveBatchTitleDuplicate(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.SaveBatch(ctx, []models.Story{testStory(1, "federal bank signals interest rate cut", "https://a.example.com/1")}); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	res, err := g.SaveBatch(ctx, []models.Story{testStory(2, "federal bank signals interest rate cut again", "https://b.example.com/2")})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Duplicates != 1 || res.Saved != 0 {
		t.Fatalf("near-identical title must count as duplicate, got %+v", res)
	}
}

func TestSaveBatchSeesEarlierInsertsInSameBatch(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	res, err := g.SaveBatch(ctx, []models.Story{
		testStory(1, "one story", "https://example.com/same"),
		testStory(2, "another story", "https://example.com/same"),
	})
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Saved != 1 || res.Duplicates != 1 {
		t.Fatalf("second same-url story in one batch must be a duplicate, got %+v", res)
	}
}

type blindLookup struct{}

func (blindLookup) FindByHash(context.Context, string) (*dedup.Record, error) { return nil, nil }
func (blindLookup) FindByURL(context.Context, string) (*dedup.Record, error)  { return nil, nil }
func (blindLookup) TitleCandidates(context.Context, string, []string, time.Time) ([]dedup.Record, error) {
	return nil, nil
}

func TestUniqueConstraintBackstopCountsSkip(t *testing.T) {
	// Simulates the losing side of a concurrent insert race: the duplicate
	// check misses (blind lookup), the insert hits the unique constraint,
	// and the story is reported as skipped rather than an error.
	g := newTestGateway(t)
	ctx := context.Background()

	story := testStory(1, "raced story", "https://example.com/raced")
	if _, err := g.SaveBatch(ctx, []models.Story{story}); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	source, err := g.EnsureSource(ctx, g.opts.Source)
	if err != nil {
		t.Fatalf("ensure source: %v", err)
	}

	checker := dedup.NewChecker(blindLookup{}, 0.80, 30*24*time.Hour)
	var res models.SaveResult
	g.saveOne(ctx, g.repo, checker, story, source.ID, dedup.FingerprintPrefix, &res)

	if res.Errors != 0 {
		t.Fatalf("constraint race must not be an error: %+v", res)
	}
	if res.Skipped != 1 {
		t.Fatalf("constraint race must count as skipped: %+v", res)
	}
}

func TestEnsureSourceIdempotent(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	desc := SourceDescriptor{Type: "api", Title: "Hacker News", URL: "https://news.ycombinator.com"}
	first, err := g.EnsureSource(ctx, desc)
	if err != nil {
		t.Fatalf("first ensure: %v", err)
	}
	if !first.Enabled || first.Reputation <= 0 {
		t.Fatalf("source defaults not applied: %+v", first)
	}

	second, err := g.EnsureSource(ctx, desc)
	if err != nil {
		t.Fatalf("second ensure: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("ensure must be idempotent by url: %s vs %s", first.ID, second.ID)
	}
}

func TestCleanupOlderThanBoundary(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	source, err := g.EnsureSource(ctx, g.opts.Source)
	if err != nil {
		t.Fatalf("ensure source: %v", err)
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -30)
	old := articleFromStory(testStory(1, "ancient story", "https://example.com/old"), source.ID, "hn_old0000000000001")
	old.CreatedAt = cutoff.Add(-time.Second)
	fresh := articleFromStory(testStory(2, "recent story", "https://example.com/new"), source.ID, "hn_new0000000000001")
	fresh.CreatedAt = cutoff.Add(time.Second)

	for _, a := range []*Article{old, fresh} {
		if err := g.repo.CreateArticle(ctx, a); err != nil {
			t.Fatalf("seeding article: %v", err)
		}
	}

	deleted, err := g.CleanupOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected exactly the pre-cutoff article deleted, got %d", deleted)
	}

	if _, err := g.GetArticle(ctx, fresh.ID); err != nil {
		t.Fatalf("post-cutoff article must survive: %v", err)
	}
	if _, err := g.GetArticle(ctx, old.ID); err == nil {
		t.Fatal("pre-cutoff article must be gone")
	}

	again, err := g.CleanupOlderThan(ctx, 30)
	if err != nil {
		t.Fatalf("second cleanup: %v", err)
	}
	if again != 0 {
		t.Fatalf("cleanup must be idempotent, got %d", again)
	}
}

func TestBulkInsertReconcilesCounts(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	known := testStory(1, "already persisted", "https://example.com/known")
	if _, err := g.SaveBatch(ctx, []models.Story{known}); err != nil {
		t.Fatalf("seed save: %v", err)
	}

	res, err := g.BulkInsert(ctx, []models.Story{
		known, // known fingerprint
		testStory(2, "brand new piece", "https://example.com/fresh"),
		testStory(3, "other words entirely", "https://example.com/known"), // known url
	})
	if err != nil {
		t.Fatalf("bulk insert: %v", err)
	}
	if res.Saved != 1 {
		t.Fatalf("expected 1 saved, got %+v", res)
	}
	if res.Skipped != 1 {
		t.Fatalf("expected 1 hash-skip, got %+v", res)
	}
	if res.Duplicates != 1 {
		t.Fatalf("expected 1 url-duplicate, got %+v", res)
	}
}

func TestStatusTransitionsGuarded(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.SaveBatch(ctx, []models.Story{testStory(1, "pending story", "https://example.com/p")}); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	pending, err := g.PendingArticles(ctx, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one pending article: %v %d", err, len(pending))
	}
	id := pending[0].ID

	if err := g.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("pending -> processing: %v", err)
	}
	if err := g.MarkProcessing(ctx, id); err == nil {
		t.Fatal("processing article must not be reclaimed")
	}
	if err := g.MarkCompleted(ctx, id, "cleaned text", "summary"); err != nil {
		t.Fatalf("processing -> completed: %v", err)
	}

	done, err := g.GetArticle(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if done.ProcessingStatus != StatusCompleted || done.ProcessedAt == nil {
		t.Fatalf("completed article malformed: %+v", done)
	}

	// Completed is terminal for the ingestion side.
	if err := g.MarkProcessing(ctx, id); err == nil {
		t.Fatal("completed article must never go back to processing")
	}
}

func TestMarkFailedKeepsError(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	if _, err := g.SaveBatch(ctx, []models.Story{testStory(1, "doomed story", "https://example.com/d")}); err != nil {
		t.Fatalf("seed save: %v", err)
	}
	pending, _ := g.PendingArticles(ctx, 1)
	id := pending[0].ID

	if err := g.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := g.MarkFailed(ctx, id, fmt.Errorf("summarizer timeout")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	failed, err := g.FailedArticles(ctx, 10)
	if err != nil || len(failed) != 1 {
		t.Fatalf("expected one failed article: %v %d", err, len(failed))
	}
	if failed[0].LastError != "summarizer timeout" {
		t.Fatalf("last error not recorded: %+v", failed[0])
	}

	// Failed articles are reclaimable by the daily retry pass.
	if err := g.MarkProcessing(ctx, id); err != nil {
		t.Fatalf("failed -> processing: %v", err)
	}
}

func TestSaveOneDerivesSourceFromStoryURL(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	res, err := g.SaveOne(ctx, testStory(1, "submitted from the web", "https://www.example.org/post"), nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Saved != 1 {
		t.Fatalf("expected 1 saved, got %+v", res)
	}

	source, err := g.repo.FindSourceByURL(ctx, "https://www.example.org")
	if err != nil || source == nil {
		t.Fatalf("derived source not created: %v %v", err, source)
	}
	if source.Type != "web" || source.Title != "example.org" {
		t.Fatalf("derived source malformed: %+v", source)
	}

	pending, err := g.PendingArticles(ctx, 1)
	if err != nil || len(pending) != 1 {
		t.Fatalf("expected one article: %v %d", err, len(pending))
	}
	if pending[0].SourceID != source.ID {
		t.Fatalf("article attributed to %s, want derived source %s", pending[0].SourceID, source.ID)
	}
	if !strings.HasPrefix(pending[0].Hash, "web_") {
		t.Fatalf("web-sourced article must carry a web fingerprint, got %s", pending[0].Hash)
	}
}

func TestSaveOneHonorsExplicitSource(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	desc := &SourceDescriptor{Type: "rss", Title: "Example Feed", URL: "https://feeds.example.net"}
	res, err := g.SaveOne(ctx, testStory(1, "syndicated piece", "https://elsewhere.example.com/a"), desc)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Saved != 1 {
		t.Fatalf("expected 1 saved, got %+v", res)
	}

	source, err := g.repo.FindSourceByURL(ctx, "https://feeds.example.net")
	if err != nil || source == nil {
		t.Fatalf("explicit source not created: %v %v", err, source)
	}
	if source.Type != "rss" || source.Title != "Example Feed" {
		t.Fatalf("explicit source malformed: %+v", source)
	}

	pending, _ := g.PendingArticles(ctx, 1)
	if len(pending) != 1 || pending[0].SourceID != source.ID {
		t.Fatalf("article not attributed to the explicit source: %+v", pending)
	}
}

func TestSaveOneURLLessStoryFallsBackToDefault(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	res, err := g.SaveOne(ctx, testStory(1, "self post", ""), nil)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Saved != 1 {
		t.Fatalf("expected 1 saved, got %+v", res)
	}

	source, err := g.repo.FindSourceByURL(ctx, g.opts.Source.URL)
	if err != nil || source == nil {
		t.Fatalf("default source not created: %v %v", err, source)
	}

	pending, _ := g.PendingArticles(ctx, 1)
	if len(pending) != 1 || pending[0].SourceID != source.ID {
		t.Fatalf("url-less story must fall back to the default source: %+v", pending)
	}
	if !strings.HasPrefix(pending[0].Hash, dedup.FingerprintPrefix) {
		t.Fatalf("default-sourced article must keep its fingerprint prefix, got %s", pending[0].Hash)
	}
}
