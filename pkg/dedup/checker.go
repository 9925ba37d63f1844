package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/newsloom-ai/pipeline/pkg/common/models"
)

// Duplicate reasons, in decreasing order of confidence.
const (
	ReasonHash  = "hash"
	ReasonURL   = "url"
	ReasonTitle = "title"
)

// Record is the slice of a persisted article the checker needs.
type Record struct {
	ID          string
	Title       string
	URL         string
	Hash        string
	PublishedAt time.Time
}

// Lookup is implemented by the storage layer. Finders return (nil, nil) when
// nothing matches.
type Lookup interface {
	FindByHash(ctx context.Context, hash string) (*Record, error)
	FindByURL(ctx context.Context, url string) (*Record, error)
	TitleCandidates(ctx context.Context, normalizedTitle string, words []string, since time.Time) ([]Record, error)
}

// Result distinguishes a structural hash duplicate (same content, discard
// silently) from a url/title duplicate (related content, tracked in counts).
type Result struct {
	IsDuplicate bool
	Reason      string
	Existing    *Record
	Similarity  float64
}

type Checker struct {
	lookup    Lookup
	threshold float64
	window    time.Duration
	now       func() time.Time
}

func NewChecker(lookup Lookup, threshold float64, window time.Duration) *Checker {
	if threshold <= 0 {
		threshold = 0.80
	}
	if window <= 0 {
		window = 30 * 24 * time.Hour
	}
	return &Checker{lookup: lookup, threshold: threshold, window: window, now: time.Now}
}

// Check runs the duplicate strategies in priority order and short-circuits on
// the first match: exact fingerprint, exact URL, then fuzzy title within the
// recency window.
func (c *Checker) Check(ctx context.Context, story models.Story, fingerprint string) (Result, error) {
	if existing, err := c.lookup.FindByHash(ctx, fingerprint); err != nil {
		return Result{}, fmt.Errorf("hash lookup: %w", err)
	} else if existing != nil {
		return Result{IsDuplicate: true, Reason: ReasonHash, Existing: existing, Similarity: 1}, nil
	}

	if story.URL != "" {
		if existing, err := c.lookup.FindByURL(ctx, story.URL); err != nil {
			return Result{}, fmt.Errorf("url lookup: %w", err)
		} else if existing != nil {
			return Result{IsDuplicate: true, Reason: ReasonURL, Existing: existing, Similarity: 1}, nil
		}
	}

	normalized := NormalizeTitle(story.Title)
	if normalized == "" {
		return Result{}, nil
	}

	since := c.now().Add(-c.window)
	candidates, err := c.lookup.TitleCandidates(ctx, normalized, searchWords(normalized), since)
	if err != nil {
		return Result{}, fmt.Errorf("title candidates: %w", err)
	}

	best := Result{}
	for i := range candidates {
		score := Similarity(normalized, candidates[i].Title)
		if score > c.threshold && score > best.Similarity {
			best = Result{
				IsDuplicate: true,
				Reason:      ReasonTitle,
				Existing:    &candidates[i],
				Similarity:  score,
			}
		}
	}
	return best, nil
}

// Similarity is the Jaccard index over the word sets of both titles,
// considering words longer than two characters.
func Similarity(a, b string) float64 {
	setA := wordSet(NormalizeTitle(a), 2)
	setB := wordSet(NormalizeTitle(b), 2)
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if _, ok := setB[w]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	return float64(intersection) / float64(union)
}

// searchWords picks the words worth matching candidates on: anything longer
// than three characters.
func searchWords(normalizedTitle string) []string {
	var words []string
	for _, w := range strings.Fields(normalizedTitle) {
		if len(w) > 3 {
			words = append(words, w)
		}
	}
	return words
}

func wordSet(s string, minLen int) map[string]struct{} {
	set := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		if len(w) > minLen {
			set[w] = struct{}{}
		}
	}
	return set
}
