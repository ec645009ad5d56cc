// Package store writes parent (institution) and child (program) records to
// Postgres without creating duplicates. Incoming records are matched against
// existing rows by provenance tag, then by fuzzy name, and merged into the
// match without overwriting curated values.
package store

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/db"
)

// Default matching thresholds on the 0-100 ratio scale.
const (
	DefaultParentMinScore = 90
	DefaultChildMinScore  = 92
)

// DefaultRefreshable lists the fields that always take the incoming value
// when it differs from the stored one.
var DefaultRefreshable = []string{"notes", "deadline_notes", "program_url", "application_url"}

// Options configures a Store. Zero values take the defaults.
type Options struct {
	Schema         string
	ParentTable    string
	ChildTable     string
	ParentMinScore float64
	ChildMinScore  float64
	// ParentFilters and ChildFilters are equality-filtered columns that
	// narrow fuzzy candidates.
	ParentFilters []string
	ChildFilters  []string
	Refreshable   []string
	// TagColumn holds "<name>_id=<value>" and "<name>_url=<value>"
	// provenance tags.
	TagColumn string
	Now       func() time.Time
}

func (o Options) withDefaults() Options {
	if o.Schema == "" {
		o.Schema = "public"
	}
	if o.ParentTable == "" {
		o.ParentTable = "universities"
	}
	if o.ChildTable == "" {
		o.ChildTable = "courses"
	}
	if o.ParentMinScore <= 0 {
		o.ParentMinScore = DefaultParentMinScore
	}
	if o.ChildMinScore <= 0 {
		o.ChildMinScore = DefaultChildMinScore
	}
	if o.ParentFilters == nil {
		o.ParentFilters = []string{"country"}
	}
	if o.ChildFilters == nil {
		o.ChildFilters = []string{"degree_level", "university_id"}
	}
	if o.Refreshable == nil {
		o.Refreshable = DefaultRefreshable
	}
	if o.TagColumn == "" {
		o.TagColumn = "notes"
	}
	if o.Now == nil {
		o.Now = func() time.Time { return time.Now().UTC() }
	}
	return o
}

// Outcome is the result of upserting one record.
type Outcome struct {
	ID      int64
	Created bool
	Updated bool
}

// BatchOutcome totals a child batch.
type BatchOutcome struct {
	IDs       []int64
	Created   int
	Updated   int
	Unchanged int
}

func (b *BatchOutcome) add(o Outcome) {
	b.IDs = append(b.IDs, o.ID)
	switch {
	case o.Created:
		b.Created++
	case o.Updated:
		b.Updated++
	default:
		b.Unchanged++
	}
}

// Store is the deduplicating upsert store. LoadSchema (or WaitUntilReady)
// must succeed before any upsert. A Store is safe for concurrent use by
// independent source runs.
type Store struct {
	pool        db.Pool
	opts        Options
	refreshable map[string]bool
	schema      atomic.Pointer[schema]
	log         *zap.Logger
}

// schema is the loaded shape of both tables, replaced as a whole.
type schema struct {
	parent *table
	child  *table
}

// New wraps pool.
func New(pool db.Pool, opts Options) *Store {
	opts = opts.withDefaults()
	refresh := make(map[string]bool, len(opts.Refreshable))
	for _, f := range opts.Refreshable {
		refresh[f] = true
	}
	return &Store{
		pool:        pool,
		opts:        opts,
		refreshable: refresh,
		log:         zap.L().With(zap.String("component", "store")),
	}
}

// UpsertParent matches or creates one parent in its own short transaction.
func (s *Store) UpsertParent(ctx context.Context, p crawl.Payload) (Outcome, error) {
	sc := s.schema.Load()
	if sc == nil {
		return Outcome{}, eris.New("store: schema not loaded")
	}
	var out Outcome
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		out, err = s.upsertOne(ctx, tx, sc.parent, p)
		return err
	})
	if err != nil {
		return Outcome{}, eris.Wrapf(err, "store: upsert %s", sc.parent.name)
	}
	return out, nil
}

// UpsertChildren matches or creates every child in one transaction. Any
// failure rolls back the whole batch.
func (s *Store) UpsertChildren(ctx context.Context, ps []crawl.Payload) (BatchOutcome, error) {
	sc := s.schema.Load()
	if sc == nil {
		return BatchOutcome{}, eris.New("store: schema not loaded")
	}
	if len(ps) == 0 {
		return BatchOutcome{}, nil
	}
	var batch BatchOutcome
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		for i, p := range ps {
			out, err := s.upsertOne(ctx, tx, sc.child, p)
			if err != nil {
				return eris.Wrapf(err, "item %d (%v)", i, p["name"])
			}
			batch.add(out)
		}
		return nil
	})
	if err != nil {
		return BatchOutcome{}, eris.Wrapf(err, "store: upsert %s batch", sc.child.name)
	}
	return batch, nil
}
