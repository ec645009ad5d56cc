package store

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestNormalizeName(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"  Technische Universität  München ", "technische universitat munchen"},
		{"M.Sc. Data-Science (English)", "m sc data science english"},
		{"Arts & Design", "arts and design"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NormalizeName(tt.in), tt.in)
	}
}

func TestRatio(t *testing.T) {
	assert.InDelta(t, 100.0, Ratio("abc", "abc"), 0.001)
	assert.InDelta(t, 100.0, Ratio("", ""), 0.001)
	assert.InDelta(t, 0.0, Ratio("abc", ""), 0.001)
	assert.InDelta(t, 61.538, Ratio("kitten", "sitting"), 0.01)
}

func TestBestMatch(t *testing.T) {
	cands := []row{
		{"id": int64(9), "name": "University of Amsterdam"},
		{"id": int64(8), "name": "Universität Hamburg"},
		{"id": int64(7), "name": "Universitat Hamburg"},
	}

	r, score, ok := bestMatch("Universitaet Hamburg", cands, 90)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, score, 90.0)
	assert.Equal(t, int64(8), r["id"], "ties keep the newest candidate")

	_, _, ok = bestMatch("Leiden University", cands, 90)
	assert.False(t, ok)

	_, _, ok = bestMatch("anything", nil, 90)
	assert.False(t, ok)
}

func TestBestMatch_ThresholdBoundary(t *testing.T) {
	// 19 shared characters and one substitution: ratio 95.
	a := strings.Repeat("a", 19) + "b"
	b := strings.Repeat("a", 19) + "c"
	cands := []row{{"id": int64(1), "name": b}}

	_, score, ok := bestMatch(a, cands, 95)
	assert.InDelta(t, 95.0, score, 0.001)
	assert.True(t, ok, "score equal to the threshold matches")

	_, _, ok = bestMatch(a, cands, 95.5)
	assert.False(t, ok)
}

func TestSignificantTokens(t *testing.T) {
	assert.Equal(t, []string{"technische", "münchen"}, significantTokens("Technische Universität München", 2))
	assert.Equal(t, []string{"computational"}, significantTokens("MSc in Computational Science", 2))
	assert.Empty(t, significantTokens("Art", 2))
}

func TestTags(t *testing.T) {
	assert.Equal(t, []string{"daad_course_id=123"}, Tags("source=daad; daad_course_id=123"))
	assert.Equal(t,
		[]string{"studyinnl_program_id=ab-9", "daad_course_id=5"},
		Tags("studyinnl_program_id=ab-9 daad_course_id=5;"))
	assert.Equal(t,
		[]string{"universitystudy_url=https://universitystudy.ca/programs/ai-msc/"},
		Tags("source=universitystudy; universitystudy_url=https://universitystudy.ca/programs/ai-msc/"))
	assert.Empty(t, Tags("source=universitystudy; url=https://x"))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "ab", truncate("abcdef", 2))
	assert.Equal(t, "abc", truncate("abcdef", 3))
	assert.Equal(t, "ü...", truncate("üüüüüü", 4))
	assert.Equal(t, "unbounded", truncate("unbounded", 0))
}

func TestWisePatch(t *testing.T) {
	refresh := map[string]bool{"notes": true, "program_url": true}
	existing := map[string]any{
		"id":          int64(3),
		"name":        "Data Science",
		"city":        "",
		"language":    nil,
		"tuition":     "Curated by staff",
		"notes":       "source=daad; daad_course_id=1",
		"program_url": "https://a  ",
		"languages":   []string{},
	}
	incoming := crawl.Payload{
		"id":          int64(99),
		"name":        "Data Science (M.Sc.)",
		"city":        "Berlin",
		"language":    "English",
		"tuition":     "1500 EUR",
		"notes":       "source=daad; daad_course_id=1; updated",
		"program_url": "https://a",
		"languages":   []string{"en"},
		"field":       nil,
		"created_at":  "2020-01-01",
	}

	patch := WisePatch(existing, incoming, refresh)
	assert.Equal(t, crawl.Payload{
		"city":      "Berlin",
		"language":  "English",
		"notes":     "source=daad; daad_course_id=1; updated",
		"languages": []string{"en"},
	}, patch)
}

func TestWisePatch_IdenticalIsEmpty(t *testing.T) {
	existing := map[string]any{"name": "X", "notes": "n"}
	patch := WisePatch(existing, crawl.Payload{"name": "X", "notes": " n "}, map[string]bool{"notes": true})
	assert.Empty(t, patch)
}
