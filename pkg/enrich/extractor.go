package enrich

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ExtractText pulls readable article text out of raw HTML: boilerplate
// elements are dropped, paragraph text is kept in document order.
func ExtractText(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, header, footer, aside, noscript, iframe").Remove()

	var paragraphs []string
	doc.Find("p").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if len(text) > 0 {
			paragraphs = append(paragraphs, text)
		}
	})

	if len(paragraphs) == 0 {
		return strings.Join(strings.Fields(doc.Find("body").Text()), " "), nil
	}
	return strings.Join(paragraphs, "\n\n"), nil
}

// ExtractiveSummary is the deterministic last-resort summarizer: the first
// sentences of the text, up to maxSentences.
func ExtractiveSummary(text string, maxSentences int) string {
	if maxSentences <= 0 {
		maxSentences = 3
	}

	var (
		sentences []string
		current   strings.Builder
	)
	for _, r := range strings.TrimSpace(text) {
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
			if len(sentences) == maxSentences {
				break
			}
		}
	}
	if len(sentences) < maxSentences {
		if s := strings.TrimSpace(current.String()); s != "" {
			sentences = append(sentences, s)
		}
	}
	return strings.Join(sentences, " ")
}
