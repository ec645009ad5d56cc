// Package ingest runs a crawler end to end: it consumes the crawl loop's
// results, upserts parents immediately, batches children, and records every
// item that did not make it into the store.
package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/failures"
	"github.com/ghadam-app/crawlers/internal/store"
)

// Defaults.
const (
	DefaultBatchSize    = 50
	DefaultReadyTimeout = 120 * time.Second
	finalFlushTimeout   = 30 * time.Second
)

// Upserter is the store surface the engine writes through.
type Upserter interface {
	WaitUntilReady(ctx context.Context, timeout time.Duration) error
	UpsertParent(ctx context.Context, p crawl.Payload) (store.Outcome, error)
	UpsertChildren(ctx context.Context, ps []crawl.Payload) (store.BatchOutcome, error)
}

// Config controls one engine.
type Config struct {
	BatchSize int
	// DryRun logs what would be written; the store is never touched.
	DryRun bool
	// FailureLogPath is the JSONL file failed items are appended to; empty
	// disables the log.
	FailureLogPath string
	ReadyTimeout   time.Duration
}

// Stats counts what a run did to the store.
type Stats struct {
	StartedAt         time.Time
	FinishedAt        time.Time
	ParentsCreated    int
	ParentsUpdated    int
	ChildrenCreated   int
	ChildrenUpdated   int
	ChildrenUnchanged int
	ItemsSkipped      int
	ItemsFailed       int
	BatchesFlushed    int
	DryRunItems       int
}

// Result pairs the crawl counters with the ingestion counters.
type Result struct {
	Source string
	Crawl  *crawl.Stats
	Ingest *Stats
}

// HasFailures reports whether any item failed to transform or ingest.
func (r *Result) HasFailures() bool {
	return r.Crawl.TotalFailed > 0 || r.Ingest.ItemsFailed > 0
}

// Engine ingests crawlers into one store.
type Engine struct {
	store Upserter
	cfg   Config
}

// New builds an engine. store may be nil in dry-run mode.
func New(s Upserter, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = DefaultReadyTimeout
	}
	return &Engine{store: s, cfg: cfg}
}

type run struct {
	cfg    Config
	store  Upserter
	source string
	stats  *Stats
	batch  []crawl.Payload
	sink   *failures.Log
	log    *zap.Logger
}

// Run ingests everything c yields. Item-level problems are counted and
// logged; a store error or a fatal crawl error ends the run and is
// returned alongside the counters gathered so far.
func (e *Engine) Run(ctx context.Context, c crawl.Crawler) (*Result, error) {
	r := &run{
		cfg:    e.cfg,
		store:  e.store,
		source: c.SourceName(),
		stats:  &Stats{StartedAt: time.Now().UTC()},
		log:    zap.L().With(zap.String("component", "ingest"), zap.String("source", c.SourceName())),
	}

	if e.cfg.DryRun {
		r.log.Info("dry run: nothing will be written")
	} else {
		if e.store == nil {
			return nil, eris.New("ingest: no store configured")
		}
		if err := e.store.WaitUntilReady(ctx, e.cfg.ReadyTimeout); err != nil {
			return nil, eris.Wrap(err, "ingest: database not ready")
		}
	}

	if e.cfg.FailureLogPath != "" {
		sink, err := failures.OpenLog(e.cfg.FailureLogPath)
		if err != nil {
			return nil, err
		}
		r.sink = sink
		defer func() {
			if err := sink.Close(); err != nil {
				r.log.Warn("ingest: close failure log", zap.Error(err))
			}
		}()
	}

	loop := crawl.NewLoop(c)
	runErr := r.consume(ctx, loop)
	if !isStoreError(runErr) {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalFlushTimeout)
		if err := r.flush(flushCtx); err != nil && runErr == nil {
			runErr = err
		}
		cancel()
	}

	r.stats.FinishedAt = time.Now().UTC()
	r.logSummary()
	return &Result{Source: r.source, Crawl: loop.Stats(), Ingest: r.stats}, runErr
}

// storeError marks errors from the store so the final flush is skipped.
type storeError struct{ error }

func (e storeError) Unwrap() error { return e.error }

func isStoreError(err error) bool {
	var se storeError
	return errors.As(err, &se)
}

func (r *run) consume(ctx context.Context, loop *crawl.Loop) error {
	for res, err := range loop.Results(ctx) {
		if err != nil {
			return err
		}

		switch {
		case res.Status == crawl.StatusSkipped:
			r.stats.ItemsSkipped++
			r.recordFailure(res)
			continue
		case !res.IsSuccess():
			r.stats.ItemsFailed++
			r.recordFailure(res)
			continue
		case !res.Complete():
			r.stats.ItemsFailed++
			r.recordFailure(crawl.Result{
				SourceID: res.SourceID,
				Status:   crawl.StatusFailed,
				Err:      crawl.NewError(res.SourceID, crawl.ErrIncompletePayload, "success result without a named parent and a child", nil),
				Warnings: res.Warnings,
			})
			continue
		}

		if err := r.ingest(ctx, res); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) ingest(ctx context.Context, res crawl.Result) error {
	var parentID int64
	if r.cfg.DryRun {
		r.stats.DryRunItems++
		r.log.Debug("dry run: would upsert",
			zap.String("source_id", res.SourceID),
			zap.String("parent", res.Parent.Name()),
			zap.String("child", res.Child.Name()),
		)
	} else {
		out, err := r.store.UpsertParent(ctx, res.Parent)
		if err != nil {
			return storeError{eris.Wrapf(err, "ingest: parent of %s", res.SourceID)}
		}
		parentID = out.ID
		switch {
		case out.Created:
			r.stats.ParentsCreated++
		case out.Updated:
			r.stats.ParentsUpdated++
		}
	}

	r.batch = append(r.batch, res.Child.WithParentID(parentID))
	if len(r.batch) >= r.cfg.BatchSize {
		return r.flush(ctx)
	}
	return nil
}

func (r *run) flush(ctx context.Context) error {
	if len(r.batch) == 0 {
		return nil
	}
	batch := r.batch
	r.batch = nil

	if r.cfg.DryRun {
		r.log.Info("dry run: would flush batch", zap.Int("size", len(batch)))
		return nil
	}

	out, err := r.store.UpsertChildren(ctx, batch)
	if err != nil {
		return storeError{eris.Wrapf(err, "ingest: flush batch of %d", len(batch))}
	}
	r.stats.BatchesFlushed++
	r.stats.ChildrenCreated += out.Created
	r.stats.ChildrenUpdated += out.Updated
	r.stats.ChildrenUnchanged += out.Unchanged
	r.log.Debug("batch flushed",
		zap.Int("size", len(batch)),
		zap.Int("created", out.Created),
		zap.Int("updated", out.Updated),
	)
	return nil
}

// recordFailure appends to the failure log. A log write error is reported
// but never fails the run.
func (r *run) recordFailure(res crawl.Result) {
	if r.sink == nil {
		return
	}
	if err := r.sink.Append(failures.NewRecord(r.source, res)); err != nil {
		r.log.Warn("ingest: failure log write failed", zap.Error(err))
	}
}

func (r *run) logSummary() {
	s := r.stats
	fields := []zap.Field{
		zap.Duration("duration", s.FinishedAt.Sub(s.StartedAt)),
		zap.Int("parents_created", s.ParentsCreated),
		zap.Int("parents_updated", s.ParentsUpdated),
		zap.Int("children_created", s.ChildrenCreated),
		zap.Int("children_updated", s.ChildrenUpdated),
		zap.Int("children_unchanged", s.ChildrenUnchanged),
		zap.Int("skipped", s.ItemsSkipped),
		zap.Int("failed", s.ItemsFailed),
		zap.Int("batches", s.BatchesFlushed),
		zap.Bool("dry_run", r.cfg.DryRun),
	}
	if r.sink != nil {
		fields = append(fields, zap.String("failure_log", r.sink.Path()))
	}
	r.log.Info("ingestion finished", fields...)
}
