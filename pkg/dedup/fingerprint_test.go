package dedup

import (
	"strings"
	"testing"

	"github.com/newsloom-ai/pipeline/pkg/common/models"
)

func TestNormalizeTitle(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"Go 1.24 Released!", "go 124 released"},
		{"  Spaces,   everywhere  ", "spaces everywhere"},
		{"UPPER-case: stripped?", "uppercase stripped"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := NormalizeTitle(tc.in); got != tc.want {
			t.Fatalf("NormalizeTitle(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestFingerprintDeterministic(t *testing.T) {
	story := models.Story{
		ExternalID: "42",
		Title:      "Fed signals rate cut",
		Author:     "Alice",
		URL:        "https://example.com/fed",
	}

	first := Fingerprint(story)
	second := Fingerprint(story)
	if first != second {
		t.Fatalf("fingerprint not deterministic: %q vs %q", first, second)
	}
	if !strings.HasPrefix(first, FingerprintPrefix) {
		t.Fatalf("missing prefix: %q", first)
	}
	if len(first) != len(FingerprintPrefix)+16 {
		t.Fatalf("expected %d hex chars after prefix, got %q", 16, first)
	}
}

func TestFingerprintIgnoresTitleFormatting(t *testing.T) {
	a := models.Story{ExternalID: "1", Title: "Go 1.24 Released!", Author: "alice", URL: "u"}
	b := models.Story{ExternalID: "1", Title: "go 124   released", Author: "ALICE", URL: "u"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("formatting-only title changes should not change the fingerprint")
	}
}

func TestFingerprintSensitiveToEachField(t *testing.T) {
	base := models.Story{ExternalID: "1", Title: "title one", Author: "alice", URL: "https://a"}
	variants := []models.Story{
		{ExternalID: "2", Title: "title one", Author: "alice", URL: "https://a"},
		{ExternalID: "1", Title: "title two", Author: "alice", URL: "https://a"},
		{ExternalID: "1", Title: "title one", Author: "bob", URL: "https://a"},
		{ExternalID: "1", Title: "title one", Author: "alice", URL: "https://b"},
	}

	ref := Fingerprint(base)
	for i, v := range variants {
		if Fingerprint(v) == ref {
			t.Fatalf("variant %d should produce a different fingerprint", i)
		}
	}
}

func TestFingerprintEmptyAuthorIsUnknown(t *testing.T) {
	a := models.Story{ExternalID: "1", Title: "t", Author: "", URL: "u"}
	b := models.Story{ExternalID: "1", Title: "t", Author: "unknown", URL: "u"}
	if Fingerprint(a) != Fingerprint(b) {
		t.Fatal("empty author should hash as \"unknown\"")
	}
}
