package crawl

import (
	"context"
	"iter"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Crawler is implemented once per source.
type Crawler interface {
	// SourceName identifies the source in logs, checkpoints and failure records.
	SourceName() string
	// FetchItems lazily yields raw items, paginating as it goes. A non-nil
	// error ends the run.
	FetchItems(ctx context.Context) iter.Seq2[RawItem, error]
	// Transform maps one raw item to payloads. It does no I/O.
	Transform(raw RawItem) (Result, error)
}

// Setupper is implemented by crawlers that need work before the first fetch.
type Setupper interface {
	Setup(ctx context.Context) error
}

// Teardowner is implemented by crawlers that hold resources across a run.
type Teardowner interface {
	Teardown(ctx context.Context) error
}

// Redactor strips sensitive fields from raw items before they are kept in a
// CrawlError.
type Redactor interface {
	Redact(raw RawItem) RawItem
}

const defaultProgressEvery = 100

// Loop drives one crawler through one run.
type Loop struct {
	crawler       Crawler
	stats         *Stats
	log           *zap.Logger
	progressEvery int
}

// NewLoop prepares a run of c.
func NewLoop(c Crawler) *Loop {
	return &Loop{
		crawler:       c,
		stats:         NewStats(c.SourceName()),
		log:           zap.L().With(zap.String("component", "crawl"), zap.String("source", c.SourceName())),
		progressEvery: defaultProgressEvery,
	}
}

// Stats returns the live counters of the run.
func (l *Loop) Stats() *Stats { return l.stats }

// Results yields one Result per raw item. Transform errors and panics become
// failed results; only setup and fetch errors are yielded as errors, after
// which the sequence ends. Teardown and the summary run however the sequence
// ends, including when the consumer stops early. Results must be ranged over
// at most once.
func (l *Loop) Results(ctx context.Context) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		name := l.crawler.SourceName()
		l.log.Info("crawl started")
		defer l.finish(ctx)

		if s, ok := l.crawler.(Setupper); ok {
			if err := s.Setup(ctx); err != nil {
				yield(Result{}, eris.Wrapf(err, "crawl: setup %s", name))
				return
			}
		}

		for raw, err := range l.crawler.FetchItems(ctx) {
			if err != nil {
				yield(Result{}, eris.Wrapf(err, "crawl: fetch %s", name))
				return
			}
			l.stats.TotalFetched++

			res := l.transform(raw)
			l.stats.Record(res)
			l.logResult(res)

			if l.stats.TotalProcessed%l.progressEvery == 0 {
				l.log.Info("crawl progress",
					zap.Int("processed", l.stats.TotalProcessed),
					zap.Int("success", l.stats.TotalSuccess+l.stats.TotalPartial),
					zap.Int("failed", l.stats.TotalFailed),
				)
			}

			if !yield(res, nil) {
				return
			}
		}
	}
}

func (l *Loop) finish(ctx context.Context) {
	if t, ok := l.crawler.(Teardowner); ok {
		if err := t.Teardown(context.WithoutCancel(ctx)); err != nil {
			l.log.Warn("crawl: teardown failed", zap.Error(err))
		}
	}
	l.stats.Finish()
	l.stats.LogSummary(l.log)
}

func (l *Loop) transform(raw RawItem) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = l.exception(raw, eris.Errorf("panic: %v", r))
		}
	}()

	res, err := l.crawler.Transform(raw)
	if err != nil {
		return l.exception(raw, err)
	}
	if res.SourceID == "" {
		res.SourceID = ExtractSourceID(raw)
	}
	res = Finalize(res)
	if err := res.Validate(); err != nil {
		return Failed(res.SourceID, ErrTransformException, err.Error(), l.redact(raw))
	}
	return res
}

func (l *Loop) exception(raw RawItem, err error) Result {
	return Failed(ExtractSourceID(raw), ErrTransformException, err.Error(), l.redact(raw))
}

func (l *Loop) redact(raw RawItem) RawItem {
	if r, ok := l.crawler.(Redactor); ok {
		return r.Redact(raw)
	}
	return raw
}

func (l *Loop) logResult(res Result) {
	switch res.Status {
	case StatusFailed:
		l.log.Warn("item failed",
			zap.String("source_id", res.SourceID),
			zap.String("error_type", res.Err.Type),
			zap.String("error", res.Err.Message),
		)
	case StatusPartial:
		l.log.Debug("item partial",
			zap.String("source_id", res.SourceID),
			zap.Strings("warnings", res.Warnings),
		)
	}
}
