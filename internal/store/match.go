package store

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/agext/levenshtein"
	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/ghadam-app/crawlers/internal/crawl"
	"github.com/ghadam-app/crawlers/internal/db"
)

// tagRe finds provenance tags such as "daad_course_id=1234" or
// "universitystudy_url=https://...".
var tagRe = regexp.MustCompile(`\b([a-z][a-z0-9_]*_(?:id|url))=([^\s;,]+)`)

// indel weighs a substitution as a delete plus an insert, which makes
// Distance the indel distance that Ratio is defined on.
var indel = levenshtein.NewParams().SubCost(2)

// Ratio scores the similarity of two already-normalised strings from 0 to
// 100: 100 * (1 - indel distance / combined length).
func Ratio(a, b string) float64 {
	total := utf8.RuneCountInString(a) + utf8.RuneCountInString(b)
	if total == 0 {
		return 100
	}
	d := levenshtein.Distance(a, b, indel)
	return 100 * float64(total-d) / float64(total)
}

// row is one stored record keyed by column name.
type row map[string]any

func (r row) id() (int64, error) {
	switch v := r["id"].(type) {
	case int64:
		return v, nil
	case int32:
		return int64(v), nil
	case int:
		return int64(v), nil
	}
	return 0, eris.Errorf("store: unexpected id %T", r["id"])
}

// bestMatch returns the candidate whose name scores highest against name,
// if that score reaches minScore. Ties keep the earlier candidate.
func bestMatch(name string, candidates []row, minScore float64) (row, float64, bool) {
	target := NormalizeName(name)
	var best row
	bestScore := -1.0
	for _, c := range candidates {
		cn, _ := c["name"].(string)
		score := Ratio(target, NormalizeName(cn))
		if score > bestScore {
			best, bestScore = c, score
		}
	}
	if best == nil || bestScore < minScore {
		return nil, bestScore, false
	}
	return best, bestScore, true
}

// Tags extracts every "<name>_id=<value>" and "<name>_url=<value>" tag
// from text.
func Tags(text string) []string {
	var out []string
	for _, m := range tagRe.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1]+"="+m[2])
	}
	return out
}

func collectRows(rows pgx.Rows) ([]row, error) {
	defer rows.Close()
	var out []row
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, eris.Wrap(err, "store: read row")
		}
		fields := rows.FieldDescriptions()
		r := make(row, len(fields))
		for i, f := range fields {
			if i < len(vals) {
				r[f.Name] = vals[i]
			}
		}
		out = append(out, r)
	}
	return out, eris.Wrap(rows.Err(), "store: read rows")
}

// findByTag returns the newest row whose tag column carries exactly one of
// p's provenance tags.
func (s *Store) findByTag(ctx context.Context, q db.Querier, t *table, p crawl.Payload) (row, error) {
	col := s.opts.TagColumn
	if !t.has(col) {
		return nil, nil
	}
	for _, tag := range Tags(p.String(col)) {
		query := fmt.Sprintf(`SELECT * FROM %s WHERE %s LIKE '%%' || $1 || '%%' ORDER BY id DESC LIMIT 20`,
			t.quoted, db.Ident(col))
		rows, err := q.Query(ctx, query, tag)
		if err != nil {
			return nil, eris.Wrap(err, "store: tag lookup")
		}
		found, err := collectRows(rows)
		if err != nil {
			return nil, err
		}
		for _, r := range found {
			notes, _ := r[col].(string)
			if slices.Contains(Tags(notes), tag) {
				return r, nil
			}
		}
	}
	return nil, nil
}

// candidates narrows fuzzy-match candidates with the table's equality
// filters and the name, newest first. The name narrows by up to two
// significant tokens, or by its first 40 runes when it has none, and an
// exact case-insensitive name match is always a candidate.
func (s *Store) candidates(ctx context.Context, q db.Querier, t *table, p crawl.Payload) ([]row, error) {
	var where []string
	var args []any
	for _, f := range t.filters {
		v, ok := p[f]
		if !ok || v == nil || !t.has(f) {
			continue
		}
		args = append(args, v)
		where = append(where, fmt.Sprintf("%s = $%d", db.Ident(f), len(args)))
	}

	if name := strings.TrimSpace(p.Name()); name != "" {
		toks := significantTokens(name, 2)
		if len(toks) == 0 {
			toks = []string{truncateRunes(name, 40)}
		}
		var like []string
		for _, tok := range toks {
			args = append(args, tok)
			like = append(like, fmt.Sprintf("name ILIKE '%%' || $%d || '%%'", len(args)))
		}
		args = append(args, name)
		where = append(where, fmt.Sprintf("((%s) OR lower(name) = lower($%d))", strings.Join(like, " AND "), len(args)))
	}

	query := "SELECT * FROM " + t.quoted
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY id DESC LIMIT %d", t.limit)

	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "store: candidate search")
	}
	return collectRows(rows)
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}
