package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/newsloom-ai/pipeline/pkg/common/models"
)

// FingerprintPrefix tags hashes derived from Hacker News stories. Stories
// attributed to other sources carry a prefix of their own so the hash space
// stays partitioned per source family.
const FingerprintPrefix = "hn_"

// NormalizeTitle lowercases, strips punctuation and collapses whitespace so
// that trivially reformatted titles hash identically.
func NormalizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range strings.ToLower(title) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// Fingerprint derives the stable content hash used as the dedup key for
// Hacker News stories. The same logical story always produces the same value,
// which is what makes re-ingestion after a crash or job retry idempotent.
func Fingerprint(story models.Story) string {
	return FingerprintWithPrefix(FingerprintPrefix, story)
}

// FingerprintWithPrefix is Fingerprint with a caller-chosen source prefix.
func FingerprintWithPrefix(prefix string, story models.Story) string {
	author := strings.ToLower(strings.TrimSpace(story.Author))
	if author == "" {
		author = "unknown"
	}

	payload := strings.Join([]string{
		NormalizeTitle(story.Title),
		author,
		story.ExternalID,
		story.URL,
	}, "|")

	sum := sha256.Sum256([]byte(payload))
	return prefix + hex.EncodeToString(sum[:])[:16]
}
