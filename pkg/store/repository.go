package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/newsloom-ai/pipeline/pkg/dedup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var ErrNotFound = errors.New("record not found")

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(&Source{}, &Article{})
}

// Transaction runs fn against a repository bound to one transaction.
func (r *Repository) Transaction(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

// Savepoint isolates one statement inside an outer transaction so a failed
// insert does not poison the remaining items of the sub-batch.
func (r *Repository) Savepoint(ctx context.Context, fn func(tx *Repository) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repository{db: tx})
	})
}

func (r *Repository) CreateArticle(ctx context.Context, article *Article) error {
	now := time.Now().UTC()
	if article.CreatedAt.IsZero() {
		article.CreatedAt = now
	}
	article.UpdatedAt = now
	return r.db.WithContext(ctx).Create(article).Error
}

// InsertArticles is the bulk path: one multi-row insert, silently skipping
// conflicting rows. Returns the number of rows actually written.
func (r *Repository) InsertArticles(ctx context.Context, articles []Article) (int64, error) {
	if len(articles) == 0 {
		return 0, nil
	}
	now := time.Now().UTC()
	for i := range articles {
		if articles[i].CreatedAt.IsZero() {
			articles[i].CreatedAt = now
		}
		articles[i].UpdatedAt = now
	}
	result := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&articles)
	return result.RowsAffected, result.Error
}

func (r *Repository) FindArticleByHash(ctx context.Context, hash string) (*Article, error) {
	var article Article
	result := r.db.WithContext(ctx).First(&article, "hash = ?", hash)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &article, result.Error
}

func (r *Repository) FindArticleByURL(ctx context.Context, url string) (*Article, error) {
	var article Article
	result := r.db.WithContext(ctx).First(&article, "url = ?", url)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &article, result.Error
}

// TitleMatches returns recent articles whose title exactly matches, contains
// the normalized title, or contains any of the given words.
func (r *Repository) TitleMatches(ctx context.Context, normalizedTitle string, words []string, since time.Time) ([]Article, error) {
	cond := r.db.
		Where("LOWER(title) = ?", normalizedTitle).
		Or("LOWER(title) LIKE ?", "%"+normalizedTitle+"%")
	for _, w := range words {
		cond = cond.Or("LOWER(title) LIKE ?", "%"+strings.ToLower(w)+"%")
	}

	var articles []Article
	err := r.db.WithContext(ctx).
		Where("published_at >= ?", since).
		Where(cond).
		Limit(200).
		Find(&articles).Error
	return articles, err
}

// ExistingHashes maps which of the given hashes are already persisted.
func (r *Repository) ExistingHashes(ctx context.Context, hashes []string) (map[string]struct{}, error) {
	return r.existingValues(ctx, "hash", hashes)
}

func (r *Repository) ExistingURLs(ctx context.Context, urls []string) (map[string]struct{}, error) {
	return r.existingValues(ctx, "url", urls)
}

func (r *Repository) existingValues(ctx context.Context, column string, values []string) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	if len(values) == 0 {
		return out, nil
	}
	var found []string
	err := r.db.WithContext(ctx).Model(&Article{}).
		Where(column+" IN ?", values).
		Pluck(column, &found).Error
	if err != nil {
		return nil, err
	}
	for _, v := range found {
		out[v] = struct{}{}
	}
	return out, nil
}

func (r *Repository) DeleteArticlesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&Article{})
	return result.RowsAffected, result.Error
}

func (r *Repository) ArticlesByStatus(ctx context.Context, status string, limit int) ([]Article, error) {
	var articles []Article
	q := r.db.WithContext(ctx).
		Where("processing_status = ?", status).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	return articles, q.Find(&articles).Error
}

func (r *Repository) GetArticle(ctx context.Context, id string) (*Article, error) {
	var article Article
	result := r.db.WithContext(ctx).First(&article, "id = ?", id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	return &article, result.Error
}

// UpdateStatus moves an article between processing states, guarded by the
// set of states the caller is allowed to transition from.
func (r *Repository) UpdateStatus(ctx context.Context, id, status string, from []string, updates map[string]interface{}) error {
	if updates == nil {
		updates = map[string]interface{}{}
	}
	updates["processing_status"] = status
	updates["updated_at"] = time.Now().UTC()

	q := r.db.WithContext(ctx).Model(&Article{}).Where("id = ?", id)
	if len(from) > 0 {
		q = q.Where("processing_status IN ?", from)
	}
	result := q.Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repository) FindSourceByURL(ctx context.Context, url string) (*Source, error) {
	var source Source
	result := r.db.WithContext(ctx).First(&source, "url = ?", url)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	return &source, result.Error
}

func (r *Repository) CreateSource(ctx context.Context, source *Source) error {
	now := time.Now().UTC()
	source.CreatedAt = now
	source.UpdatedAt = now
	return r.db.WithContext(ctx).Create(source).Error
}

// lookup adapts the repository to the deduplicator's view of persisted
// articles.
type lookup struct {
	repo *Repository
}

func (l lookup) FindByHash(ctx context.Context, hash string) (*dedup.Record, error) {
	article, err := l.repo.FindArticleByHash(ctx, hash)
	return toRecord(article), err
}

func (l lookup) FindByURL(ctx context.Context, url string) (*dedup.Record, error) {
	article, err := l.repo.FindArticleByURL(ctx, url)
	return toRecord(article), err
}

func (l lookup) TitleCandidates(ctx context.Context, normalizedTitle string, words []string, since time.Time) ([]dedup.Record, error) {
	articles, err := l.repo.TitleMatches(ctx, normalizedTitle, words, since)
	if err != nil {
		return nil, err
	}
	records := make([]dedup.Record, 0, len(articles))
	for _, a := range articles {
		records = append(records, *toRecord(&a))
	}
	return records, nil
}

func toRecord(a *Article) *dedup.Record {
	if a == nil {
		return nil
	}
	return &dedup.Record{
		ID:          a.ID,
		Title:       a.Title,
		URL:         a.URL,
		Hash:        a.Hash,
		PublishedAt: a.PublishedAt,
	}
}
