package hackernews

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
	"github.com/newsloom-ai/pipeline/pkg/common/models"
)

// Categories served by the Hacker News API.
const (
	CategoryTop  = "top"
	CategoryBest = "best"
	CategoryNew  = "new"
)

type item struct {
	ID      int64  `json:"id"`
	Type    string `json:"type"`
	By      string `json:"by"`
	Title   string `json:"title"`
	URL     string `json:"url"`
	Time    int64  `json:"time"`
	Score   int    `json:"score"`
	Deleted bool   `json:"deleted"`
	Dead    bool   `json:"dead"`
}

type Options struct {
	BaseURL    string
	Timeout    time.Duration
	Limit      int
	BatchSize  int
	BatchPause time.Duration
	Retries    int
}

// Client reads the public Hacker News item API: a per-category id index plus
// a detail endpoint per item. No auth.
type Client struct {
	http       *resty.Client
	baseURL    string
	limit      int
	batchSize  int
	batchPause time.Duration
}

func NewClient(opts Options) *Client {
	if opts.BaseURL == "" {
		opts.BaseURL = "https://hacker-news.firebaseio.com/v0"
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Limit <= 0 {
		opts.Limit = 30
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}

	rc := resty.New().
		SetTimeout(opts.Timeout).
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(5)).
		SetRetryCount(opts.Retries).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(10 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		}).
		SetRetryAfter(func(c *resty.Client, r *resty.Response) (time.Duration, error) {
			// A 429 carries the upstream's own pacing; honor it over the
			// generic exponential wait.
			if secs, err := strconv.Atoi(r.Header().Get("Retry-After")); err == nil && secs > 0 {
				return time.Duration(secs) * time.Second, nil
			}
			return 0, nil
		})

	return &Client{
		http:       rc,
		baseURL:    strings.TrimSuffix(opts.BaseURL, "/"),
		limit:      opts.Limit,
		batchSize:  opts.BatchSize,
		batchPause: opts.BatchPause,
	}
}

// FetchCategory resolves the category index to full stories. Items are fetched
// in fixed-size batches with a pause between batches to stay under the
// upstream rate limit. A failed item is logged and dropped; it never aborts
// the batch.
func (c *Client) FetchCategory(ctx context.Context, category string) ([]models.Story, error) {
	ids, err := c.fetchIndex(ctx, category)
	if err != nil {
		return nil, fmt.Errorf("fetching %s index: %w", category, err)
	}
	if len(ids) > c.limit {
		ids = ids[:c.limit]
	}

	stories := make([]models.Story, 0, len(ids))
	for start := 0; start < len(ids); start += c.batchSize {
		end := start + c.batchSize
		if end > len(ids) {
			end = len(ids)
		}

		for _, it := range c.fetchBatch(ctx, ids[start:end]) {
			if it.Type != "story" || it.Title == "" || it.Deleted || it.Dead {
				continue
			}
			stories = append(stories, models.Story{
				ExternalID:  strconv.FormatInt(it.ID, 10),
				Title:       it.Title,
				Author:      it.By,
				URL:         it.URL,
				PublishedAt: it.Time,
				Score:       it.Score,
				Category:    category,
			})
		}

		if end < len(ids) && c.batchPause > 0 {
			select {
			case <-time.After(c.batchPause):
			case <-ctx.Done():
				return stories, ctx.Err()
			}
		}
	}

	logger.Log.WithFields(map[string]interface{}{
		"category": category,
		"ids":      len(ids),
		"stories":  len(stories),
	}).Info("fetched category")

	return stories, nil
}

// FetchAll fetches every configured category concurrently. A category that
// fails contributes an empty slice; its siblings are unaffected.
func (c *Client) FetchAll(ctx context.Context, categories []string) map[string][]models.Story {
	var (
		mu  sync.Mutex
		wg  sync.WaitGroup
		out = make(map[string][]models.Story, len(categories))
	)

	for _, category := range categories {
		wg.Add(1)
		go func(category string) {
			defer wg.Done()
			stories, err := c.FetchCategory(ctx, category)
			if err != nil {
				logger.Log.WithError(err).WithField("category", category).Error("category fetch failed")
				stories = []models.Story{}
			}
			mu.Lock()
			out[category] = stories
			mu.Unlock()
		}(category)
	}
	wg.Wait()

	return out
}

func (c *Client) fetchIndex(ctx context.Context, category string) ([]int64, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(fmt.Sprintf("%s/%sstories.json", c.baseURL, category))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}

	var ids []int64
	if err := json.Unmarshal(resp.Body(), &ids); err != nil {
		return nil, fmt.Errorf("parsing index: %w", err)
	}
	return ids, nil
}

// fetchBatch resolves one batch of ids concurrently and collects whatever
// succeeded, in id order.
func (c *Client) fetchBatch(ctx context.Context, ids []int64) []item {
	results := make([]*item, len(ids))
	var wg sync.WaitGroup

	for i, id := range ids {
		wg.Add(1)
		go func(i int, id int64) {
			defer wg.Done()
			it, err := c.fetchItem(ctx, id)
			if err != nil {
				logger.Log.WithError(err).WithField("item_id", id).Warn("item fetch failed, dropping")
				return
			}
			results[i] = it
		}(i, id)
	}
	wg.Wait()

	items := make([]item, 0, len(ids))
	for _, r := range results {
		if r != nil {
			items = append(items, *r)
		}
	}
	return items
}

func (c *Client) fetchItem(ctx context.Context, id int64) (*item, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(fmt.Sprintf("%s/item/%d.json", c.baseURL, id))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode())
	}

	var it item
	if err := json.Unmarshal(resp.Body(), &it); err != nil {
		return nil, fmt.Errorf("parsing item %d: %w", id, err)
	}
	// The API returns literal null for unknown ids.
	if it.ID == 0 {
		return nil, fmt.Errorf("item %d not found", id)
	}
	return &it, nil
}
