package store

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/db"
)

// upsertOne matches p against t and updates or inserts it. It runs inside
// the caller's transaction and serialises on an advisory lock keyed by the
// record's identity so concurrent writers cannot both insert it.
func (s *Store) upsertOne(ctx context.Context, q db.Querier, t *table, p crawl.Payload) (Outcome, error) {
	name := p.Name()
	if name == "" {
		return Outcome{}, eris.New("payload has no name")
	}
	prepared := s.prepare(t, p)

	if _, err := q.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, lockKey(t, prepared)); err != nil {
		return Outcome{}, eris.Wrap(err, "advisory lock")
	}

	existing, how, err := s.match(ctx, q, t, prepared)
	if err != nil {
		return Outcome{}, err
	}

	if existing == nil {
		id, err := s.insert(ctx, q, t, s.stamp(t, prepared, true))
		if err != nil {
			return Outcome{}, err
		}
		s.log.Debug("inserted", zap.String("table", t.name), zap.Int64("id", id), zap.String("name", name))
		return Outcome{ID: id, Created: true}, nil
	}

	id, err := existing.id()
	if err != nil {
		return Outcome{}, err
	}
	patch := WisePatch(existing, prepared, s.refreshable)
	if len(patch) == 0 {
		s.log.Debug("unchanged", zap.String("table", t.name), zap.Int64("id", id), zap.String("match", how))
		return Outcome{ID: id}, nil
	}
	if err := s.update(ctx, q, t, id, s.stamp(t, patch, false)); err != nil {
		return Outcome{}, err
	}
	s.log.Debug("patched",
		zap.String("table", t.name),
		zap.Int64("id", id),
		zap.String("match", how),
		zap.Strings("fields", slices.Sorted(maps.Keys(patch))),
	)
	return Outcome{ID: id, Updated: true}, nil
}

// match tries the exact tag first, then the best fuzzy name candidate.
func (s *Store) match(ctx context.Context, q db.Querier, t *table, p crawl.Payload) (row, string, error) {
	r, err := s.findByTag(ctx, q, t, p)
	if err != nil {
		return nil, "", err
	}
	if r != nil {
		return r, "tag", nil
	}

	cands, err := s.candidates(ctx, q, t, p)
	if err != nil {
		return nil, "", err
	}
	r, score, ok := bestMatch(p.Name(), cands, t.score)
	if !ok {
		return nil, "", nil
	}
	return r, fmt.Sprintf("fuzzy:%.0f", score), nil
}

func (s *Store) insert(ctx context.Context, q db.Querier, t *table, p crawl.Payload) (int64, error) {
	cols := slices.Sorted(maps.Keys(p))
	args := make([]any, len(cols))
	params := make([]string, len(cols))
	for i, c := range cols {
		args[i] = p[c]
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) RETURNING id",
		t.quoted, db.QuoteAndJoin(cols), strings.Join(params, ", "))

	var id int64
	if err := q.QueryRow(ctx, query, args...).Scan(&id); err != nil {
		return 0, eris.Wrapf(err, "insert into %s", t.name)
	}
	return id, nil
}

func (s *Store) update(ctx context.Context, q db.Querier, t *table, id int64, patch crawl.Payload) error {
	cols := slices.Sorted(maps.Keys(patch))
	args := make([]any, 0, len(cols)+1)
	sets := make([]string, len(cols))
	for i, c := range cols {
		args = append(args, patch[c])
		sets[i] = fmt.Sprintf("%s = $%d", db.Ident(c), i+1)
	}
	args = append(args, id)
	query := fmt.Sprintf("UPDATE %s SET %s WHERE id = $%d", t.quoted, strings.Join(sets, ", "), len(args))

	if _, err := q.Exec(ctx, query, args...); err != nil {
		return eris.Wrapf(err, "update %s %d", t.name, id)
	}
	return nil
}

// lockKey identifies a record for the advisory lock: table, the equality
// filter values, and the normalised name.
func lockKey(t *table, p crawl.Payload) string {
	parts := []string{t.name}
	for _, f := range t.filters {
		if v, ok := p[f]; ok && v != nil {
			parts = append(parts, fmt.Sprint(v))
		}
	}
	parts = append(parts, NormalizeName(p.Name()))
	return strings.Join(parts, ":")
}
