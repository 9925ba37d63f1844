package enrich

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/newsloom-ai/pipeline/pkg/common/logger"
)

const fallbackSentences = 3

// Summarizer produces an article summary with a two-tier fallback: the
// primary service, then the secondary, then a deterministic extractive
// summary. It always returns within the sum of the configured timeouts and
// never fails the enrichment.
type Summarizer struct {
	client    *resty.Client
	primary   string
	secondary string
}

type summarizeRequest struct {
	Title string `json:"title"`
	Text  string `json:"text"`
}

type summarizeResponse struct {
	Summary string `json:"summary"`
}

func NewSummarizer(primary, secondary string, timeout time.Duration) *Summarizer {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Summarizer{
		client:    resty.New().SetTimeout(timeout),
		primary:   primary,
		secondary: secondary,
	}
}

// Summarize returns the best summary any tier can produce.
func (s *Summarizer) Summarize(ctx context.Context, title, text string) string {
	for _, endpoint := range []string{s.primary, s.secondary} {
		if endpoint == "" {
			continue
		}
		summary, err := s.call(ctx, endpoint, title, text)
		if err != nil {
			logger.Log.WithError(err).WithField("endpoint", endpoint).Warn("summarizer tier failed")
			continue
		}
		if summary != "" {
			return summary
		}
	}
	return ExtractiveSummary(text, fallbackSentences)
}

func (s *Summarizer) call(ctx context.Context, endpoint, title, text string) (string, error) {
	var out summarizeResponse
	resp, err := s.client.R().
		SetContext(ctx).
		SetBody(summarizeRequest{Title: title, Text: text}).
		SetResult(&out).
		Post(endpoint)
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != http.StatusOK {
		return "", fmt.Errorf("summarizer returned status %d", resp.StatusCode())
	}
	return out.Summary, nil
}
