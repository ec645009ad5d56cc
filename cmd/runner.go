package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ghadam-app/crawlers/internal/checkpoint"
	"github.com/ghadam-app/crawlers/internal/config"
	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/db"
	"github.com/ghadam-app/crawlers/internal/fetcher"
	"github.com/ghadam-app/crawlers/internal/ingest"
	"github.com/ghadam-app/crawlers/internal/monitoring"
	"github.com/ghadam-app/crawlers/internal/resilience"
	"github.com/ghadam-app/crawlers/internal/sources"
	"github.com/ghadam-app/crawlers/internal/store"
)

// errItemsFailed makes the process exit non-zero when a run completed but
// some items did not make it into the store.
var errItemsFailed = eris.New("some items failed, see the failure log")

// runner runs sources against one shared store.
type runner struct {
	cfg    *config.Config
	reg    *sources.Registry
	store  ingest.Upserter // nil in dry-run mode
	alerts *monitoring.Alerter
	dryRun bool
	close  func()
}

// newRunner connects to the database unless dryRun is set.
func newRunner(ctx context.Context, c *config.Config, reg *sources.Registry, dryRun bool) (*runner, error) {
	r := &runner{cfg: c, reg: reg, alerts: newAlerter(c), dryRun: dryRun, close: func() {}}
	if dryRun {
		return r, nil
	}

	dsn, err := c.EffectiveDatabaseURL()
	if err != nil {
		return nil, err
	}
	pool, err := db.NewPool(ctx, dsn, db.PoolConfig{
		MaxConns: c.Store.MaxConns,
		MinConns: c.Store.MinConns,
	})
	if err != nil {
		return nil, err
	}
	r.store = store.New(pool, store.Options{
		Schema:         c.Store.Schema,
		ParentTable:    c.Store.ParentTable,
		ChildTable:     c.Store.ChildTable,
		ParentMinScore: float64(c.Store.ParentMinScore),
		ChildMinScore:  float64(c.Store.ChildMinScore),
	})
	r.close = pool.Close
	return r, nil
}

func (r *runner) Close() { r.close() }

// runAll runs every named source, at most max_concurrent_sources at a time.
// One source failing never stops the others. Results are in argument order;
// a source that could not start has a nil entry.
func (r *runner) runAll(ctx context.Context, names []string, resume bool) ([]*ingest.Result, error) {
	for _, name := range names {
		if _, err := r.reg.Get(name); err != nil {
			return nil, err
		}
	}

	results := make([]*ingest.Result, len(names))
	errs := make([]error, len(names))
	var g errgroup.Group
	g.SetLimit(max(r.cfg.Crawl.MaxConcurrentSources, 1))
	for i, name := range names {
		g.Go(func() error {
			results[i], errs[i] = r.runOne(ctx, name, resume)
			if errs[i] != nil {
				zap.L().Error("source run failed", zap.String("source", name), zap.Error(errs[i]))
			}
			if r.alerts != nil {
				r.alerts.SendAlerts(ctx, r.alerts.Evaluate(name, results[i], errs[i]))
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := errors.Join(errs...); err != nil {
		return results, err
	}
	for _, res := range results {
		if res != nil && res.HasFailures() {
			return results, errItemsFailed
		}
	}
	return results, nil
}

// runOne runs one source end to end and records the run in its checkpoint.
func (r *runner) runOne(ctx context.Context, name string, resume bool) (*ingest.Result, error) {
	src, err := r.reg.Get(name)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(r.cfg.Crawl.StateDir, 0o755); err != nil {
		return nil, eris.Wrapf(err, "create state dir %s", r.cfg.Crawl.StateDir)
	}

	cp, err := openCheckpoint(r.cfg, name)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := cp.Close(); err != nil {
			zap.L().Warn("close checkpoint", zap.String("source", name), zap.Error(err))
		}
	}()

	settings := src.Merge(sourceSettings(r.cfg.Source(name)))
	var offsets crawl.OffsetStore = cp
	if r.dryRun {
		offsets = readOnlyOffsets{cp}
	}
	crawler, err := src.Build(sources.Deps{
		Client:   newClient(r.cfg, settings),
		Offsets:  offsets,
		Resume:   resume,
		Settings: settings,
	})
	if err != nil {
		return nil, err
	}

	eng := ingest.New(r.store, ingest.Config{
		BatchSize:      r.cfg.Crawl.BatchSize,
		DryRun:         r.dryRun,
		FailureLogPath: r.cfg.FailureLogPath(name),
		ReadyTimeout:   time.Duration(r.cfg.Store.WaitTimeoutSecs) * time.Second,
	})
	res, runErr := eng.Run(ctx, crawler)
	if res == nil || r.dryRun {
		return res, runErr
	}

	failed := res.Ingest.ItemsFailed
	success := res.Crawl.TotalProcessed - failed - res.Ingest.ItemsSkipped
	summary := checkpoint.NewRunSummary(name, res.Crawl.TotalProcessed, success, failed, res.Crawl.Duration())
	if err := cp.RecordRun(summary); err != nil {
		zap.L().Warn("record run summary", zap.String("source", name), zap.Error(err))
	}
	return res, runErr
}

func newAlerter(c *config.Config) *monitoring.Alerter {
	return monitoring.NewAlerter(monitoring.Config{
		WebhookURL:           c.Monitor.WebhookURL,
		FailureRateThreshold: c.Monitor.FailureRateThreshold,
		MinItems:             c.Monitor.MinItems,
	})
}

// readOnlyOffsets lets a dry run resume from a checkpoint without moving it.
type readOnlyOffsets struct{ crawl.OffsetStore }

func (readOnlyOffsets) SetOffset(string, int) error { return nil }

// openCheckpoint opens the configured checkpoint backend for source.
func openCheckpoint(c *config.Config, source string) (checkpoint.Store, error) {
	if c.Crawl.CheckpointBackend == config.BackendSQLite {
		s, err := checkpoint.OpenSQLite(c.CheckpointDBPath(), source)
		if err != nil {
			return nil, err
		}
		return s, nil
	}
	s, err := checkpoint.OpenFile(c.CheckpointPath(source))
	if err != nil {
		return nil, err
	}
	return s, nil
}

func sourceSettings(sc config.SourceConfig) sources.Settings {
	return sources.Settings{
		BaseURL:  sc.BaseURL,
		Lang:     sc.Lang,
		RPS:      sc.RPS,
		PageSize: sc.PageSize,
		Timeout:  time.Duration(sc.TimeoutSecs) * time.Second,
		MaxItems: sc.MaxItems,
		MaxPages: sc.MaxPages,
	}
}

// newClient builds the per-source fetch client so sources never share a
// rate limit or a circuit breaker.
func newClient(c *config.Config, s sources.Settings) *fetcher.Client {
	retry := resilience.FromSettings(c.Crawl.Retry.MaxAttempts, c.Crawl.Retry.InitialBackoffMs, c.Crawl.Retry.MaxBackoffMs)
	opts := fetcher.Options{
		UserAgent: c.Crawl.UserAgent,
		Timeout:   s.Timeout,
		RPS:       s.RPS,
		Burst:     1,
		Retry:     retry,
	}
	if b := c.Crawl.Breaker; b.FailureThreshold > 0 {
		opts.Breaker = &resilience.CircuitBreakerConfig{
			FailureThreshold: b.FailureThreshold,
			ResetTimeout:     time.Duration(b.ResetTimeoutSecs) * time.Second,
		}
	}
	return fetcher.New(opts)
}

func printResults(w io.Writer, results []*ingest.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE\tPROCESSED\tSUCCESS\tPARTIAL\tFAILED\tSKIPPED\tCREATED\tUPDATED\tDURATION")
	for _, r := range results {
		if r == nil {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Source,
			r.Crawl.TotalProcessed,
			r.Crawl.TotalSuccess,
			r.Crawl.TotalPartial,
			r.Ingest.ItemsFailed,
			r.Ingest.ItemsSkipped,
			r.Ingest.ChildrenCreated,
			r.Ingest.ChildrenUpdated,
			r.Crawl.Duration().Round(time.Second),
		)
	}
	_ = tw.Flush()
}
