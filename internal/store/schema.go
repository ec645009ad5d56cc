package store

import (
	"context"
	"maps"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/db"
)

// pollInterval is how often WaitUntilReady checks for the tables.
var pollInterval = 2 * time.Second

// table is the introspected shape of one target table.
type table struct {
	name    string
	quoted  string
	columns map[string]int // column -> max character length, 0 = unbounded
	filters []string
	score   float64
	limit   int
}

func (t *table) has(col string) bool {
	_, ok := t.columns[col]
	return ok
}

// LoadSchema reads the column set and text length limits of both tables.
func (s *Store) LoadSchema(ctx context.Context) error {
	rows, err := s.pool.Query(ctx, `
		SELECT table_name, column_name, COALESCE(character_maximum_length, 0)
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = ANY($2)`,
		s.opts.Schema, []string{s.opts.ParentTable, s.opts.ChildTable},
	)
	if err != nil {
		return eris.Wrap(err, "store: load schema")
	}
	defer rows.Close()

	cols := map[string]map[string]int{}
	for rows.Next() {
		var tbl, col string
		var maxLen int
		if err := rows.Scan(&tbl, &col, &maxLen); err != nil {
			return eris.Wrap(err, "store: scan schema")
		}
		if cols[tbl] == nil {
			cols[tbl] = map[string]int{}
		}
		cols[tbl][col] = maxLen
	}
	if err := rows.Err(); err != nil {
		return eris.Wrap(err, "store: load schema")
	}

	for _, name := range []string{s.opts.ParentTable, s.opts.ChildTable} {
		if len(cols[name]) == 0 {
			return eris.Errorf("store: table %s.%s has no columns", s.opts.Schema, name)
		}
		if _, ok := cols[name]["id"]; !ok {
			return eris.Errorf("store: table %s.%s has no id column", s.opts.Schema, name)
		}
		if _, ok := cols[name]["name"]; !ok {
			return eris.Errorf("store: table %s.%s has no name column", s.opts.Schema, name)
		}
	}

	sc := &schema{}
	sc.parent = &table{
		name:    s.opts.ParentTable,
		quoted:  db.Table(s.opts.Schema, s.opts.ParentTable),
		columns: cols[s.opts.ParentTable],
		filters: s.opts.ParentFilters,
		score:   s.opts.ParentMinScore,
		limit:   30,
	}
	sc.child = &table{
		name:    s.opts.ChildTable,
		quoted:  db.Table(s.opts.Schema, s.opts.ChildTable),
		columns: cols[s.opts.ChildTable],
		filters: s.opts.ChildFilters,
		score:   s.opts.ChildMinScore,
		limit:   40,
	}
	s.schema.Store(sc)
	s.log.Info("schema loaded",
		zap.Int(s.opts.ParentTable, len(sc.parent.columns)),
		zap.Int(s.opts.ChildTable, len(sc.child.columns)),
	)
	return nil
}

// WaitUntilReady polls until both tables exist, then loads their schema.
// It gives up after timeout, naming the missing tables. Once a schema is
// loaded later calls return immediately.
func (s *Store) WaitUntilReady(ctx context.Context, timeout time.Duration) error {
	if s.schema.Load() != nil {
		return nil
	}
	parent := s.opts.Schema + "." + s.opts.ParentTable
	child := s.opts.Schema + "." + s.opts.ChildTable
	deadline := time.Now().Add(timeout)

	for {
		var hasParent, hasChild bool
		err := s.pool.QueryRow(ctx,
			`SELECT to_regclass($1) IS NOT NULL, to_regclass($2) IS NOT NULL`,
			parent, child,
		).Scan(&hasParent, &hasChild)
		if err == nil && hasParent && hasChild {
			return s.LoadSchema(ctx)
		}

		var missing []string
		if err != nil {
			s.log.Debug("store: readiness probe failed", zap.Error(err))
			missing = []string{parent, child}
		} else {
			if !hasParent {
				missing = append(missing, parent)
			}
			if !hasChild {
				missing = append(missing, child)
			}
		}

		if !time.Now().Before(deadline) {
			return eris.Errorf("store: tables not ready after %s: %s", timeout, strings.Join(missing, ", "))
		}
		s.log.Info("waiting for tables", zap.Strings("missing", missing))

		timer := time.NewTimer(pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return eris.Wrap(ctx.Err(), "store: wait until ready")
		case <-timer.C:
		}
	}
}

// prepare keeps known columns only and truncates over-long text. The id
// column is never written from a payload.
func (s *Store) prepare(t *table, p crawl.Payload) crawl.Payload {
	out := make(crawl.Payload, len(p))
	var dropped []string
	for k, v := range p {
		maxLen, ok := t.columns[k]
		if !ok || k == "id" {
			dropped = append(dropped, k)
			continue
		}
		if str, isStr := v.(string); isStr && maxLen > 0 {
			v = truncate(str, maxLen)
		}
		out[k] = v
	}
	if len(dropped) > 0 {
		slices.Sort(dropped)
		s.log.Debug("dropping unknown fields", zap.String("table", t.name), zap.Strings("fields", dropped))
	}
	return out
}

// stamp sets updated_at, and created_at when inserting, on tables that
// have those columns.
func (s *Store) stamp(t *table, p crawl.Payload, insert bool) crawl.Payload {
	out := maps.Clone(p)
	now := s.opts.Now()
	if t.has("updated_at") {
		out["updated_at"] = now
	}
	if insert && t.has("created_at") {
		out["created_at"] = now
	}
	return out
}

// truncate shortens v to at most maxLen runes, ending in "..." when there
// is room for it.
func truncate(v string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(v) <= maxLen {
		return v
	}
	r := []rune(v)
	if maxLen <= 3 {
		return string(r[:maxLen])
	}
	return string(r[:maxLen-3]) + "..."
}
