package crawl

import (
	"cmp"
	"slices"
	"time"

	"go.uber.org/zap"
)

const (
	summaryExamples   = 3
	summaryMessageLen = 100
)

// Stats counts one crawl run. It is owned by a single Loop and not safe for
// concurrent mutation.
type Stats struct {
	SourceName     string
	StartedAt      time.Time
	FinishedAt     time.Time
	TotalFetched   int
	TotalProcessed int
	TotalSuccess   int
	TotalPartial   int
	TotalFailed    int
	TotalSkipped   int
	Errors         []*CrawlError
}

// NewStats starts the clock for source.
func NewStats(source string) *Stats {
	return &Stats{SourceName: source, StartedAt: time.Now().UTC()}
}

// Record counts one result.
func (s *Stats) Record(r Result) {
	s.TotalProcessed++
	switch r.Status {
	case StatusSuccess:
		s.TotalSuccess++
	case StatusPartial:
		s.TotalPartial++
	case StatusFailed:
		s.TotalFailed++
	case StatusSkipped:
		s.TotalSkipped++
	}
	if r.Err != nil && r.Status == StatusFailed {
		s.Errors = append(s.Errors, r.Err)
	}
}

// Finish stops the clock. Calling it again keeps the first finish time.
func (s *Stats) Finish() {
	if s.FinishedAt.IsZero() {
		s.FinishedAt = time.Now().UTC()
	}
}

// Duration is the wall time of the run so far.
func (s *Stats) Duration() time.Duration {
	end := s.FinishedAt
	if end.IsZero() {
		end = time.Now().UTC()
	}
	return end.Sub(s.StartedAt)
}

// SuccessRate is the percentage of processed items that succeeded, partials
// included.
func (s *Stats) SuccessRate() float64 {
	if s.TotalProcessed == 0 {
		return 0
	}
	return float64(s.TotalSuccess+s.TotalPartial) / float64(s.TotalProcessed) * 100
}

// ErrorGroup is every failure of one type.
type ErrorGroup struct {
	Type     string
	Count    int
	Examples []string
}

// GroupErrors buckets failures by type, most frequent first, keeping up to
// three truncated messages per type.
func (s *Stats) GroupErrors() []ErrorGroup {
	idx := map[string]int{}
	var groups []ErrorGroup
	for _, e := range s.Errors {
		i, ok := idx[e.Type]
		if !ok {
			i = len(groups)
			idx[e.Type] = i
			groups = append(groups, ErrorGroup{Type: e.Type})
		}
		groups[i].Count++
		if len(groups[i].Examples) < summaryExamples {
			groups[i].Examples = append(groups[i].Examples, e.SourceID+": "+truncate(e.Message, summaryMessageLen))
		}
	}
	slices.SortStableFunc(groups, func(a, b ErrorGroup) int { return cmp.Compare(b.Count, a.Count) })
	return groups
}

// LogSummary writes the run totals and the grouped errors.
func (s *Stats) LogSummary(log *zap.Logger) {
	log.Info("crawl finished",
		zap.String("source", s.SourceName),
		zap.Duration("duration", s.Duration()),
		zap.Int("fetched", s.TotalFetched),
		zap.Int("processed", s.TotalProcessed),
		zap.Int("success", s.TotalSuccess),
		zap.Int("partial", s.TotalPartial),
		zap.Int("failed", s.TotalFailed),
		zap.Int("skipped", s.TotalSkipped),
		zap.Float64("success_rate", s.SuccessRate()),
	)
	for _, g := range s.GroupErrors() {
		log.Warn("crawl errors",
			zap.String("source", s.SourceName),
			zap.String("error_type", g.Type),
			zap.Int("count", g.Count),
			zap.Strings("examples", g.Examples),
		)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
