package checkpoint

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS checkpoint_offsets (
	source      TEXT NOT NULL,
	part_key    TEXT NOT NULL,
	next_offset INTEGER NOT NULL,
	updated_at  DATETIME NOT NULL,
	PRIMARY KEY (source, part_key)
);

CREATE TABLE IF NOT EXISTS checkpoint_runs (
	run_id           TEXT PRIMARY KEY,
	source           TEXT NOT NULL,
	ts               DATETIME NOT NULL,
	total_processed  INTEGER NOT NULL,
	total_success    INTEGER NOT NULL,
	total_failed     INTEGER NOT NULL,
	duration_seconds REAL NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_checkpoint_runs_source_ts ON checkpoint_runs(source, ts);
`

// SQLiteStore keeps checkpoints for many sources in one database file.
// Each instance is scoped to one source and holds that source's lock file,
// so two processes never write the same source's offsets.
type SQLiteStore struct {
	db     *sql.DB
	source string
	lock   *flock.Flock
}

// OpenSQLite opens (and migrates) the database at path for source. It
// returns ErrLocked when another process has the same source open.
func OpenSQLite(path, source string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "checkpoint: create state dir")
	}

	lock := flock.New(path + "." + source + ".lock")
	ok, err := lock.TryLock()
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: acquire lock")
	}
	if !ok {
		return nil, eris.Wrapf(ErrLocked, "checkpoint: %s (%s)", path, source)
	}

	db, err := openSQLiteDB(path)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return &SQLiteStore{db: db, source: source, lock: lock}, nil
}

func openSQLiteDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: open sqlite")
	}
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "checkpoint: exec %s", pragma)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, eris.Wrap(err, "checkpoint: migrate sqlite")
	}
	return db, nil
}

// GetOffset returns the saved offset for partition, 0 when none is saved.
func (s *SQLiteStore) GetOffset(partition string) (int, error) {
	var offset int
	err := s.db.QueryRow(
		`SELECT next_offset FROM checkpoint_offsets WHERE source = ? AND part_key = ?`,
		s.source, partition,
	).Scan(&offset)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return offset, eris.Wrap(err, "checkpoint: get offset")
}

// SetOffset saves offset as the next offset to fetch for partition.
func (s *SQLiteStore) SetOffset(partition string, offset int) error {
	_, err := s.db.Exec(`
		INSERT INTO checkpoint_offsets (source, part_key, next_offset, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source, part_key) DO UPDATE SET next_offset = excluded.next_offset, updated_at = excluded.updated_at`,
		s.source, partition, offset, time.Now().UTC(),
	)
	return eris.Wrap(err, "checkpoint: set offset")
}

// Offsets returns every saved offset of the source.
func (s *SQLiteStore) Offsets() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT part_key, next_offset FROM checkpoint_offsets WHERE source = ?`, s.source)
	if err != nil {
		return nil, eris.Wrap(err, "checkpoint: list offsets")
	}
	defer rows.Close() //nolint:errcheck

	out := map[string]int{}
	for rows.Next() {
		var p string
		var o int
		if err := rows.Scan(&p, &o); err != nil {
			return nil, eris.Wrap(err, "checkpoint: scan offset")
		}
		out[p] = o
	}
	return out, eris.Wrap(rows.Err(), "checkpoint: list offsets")
}

// ResetOffsets forgets the source's offsets. Run history is kept.
func (s *SQLiteStore) ResetOffsets() error {
	_, err := s.db.Exec(`DELETE FROM checkpoint_offsets WHERE source = ?`, s.source)
	return eris.Wrap(err, "checkpoint: reset offsets")
}

// RecordRun appends run and trims its source's history to HistoryLimit.
func (s *SQLiteStore) RecordRun(run RunSummary) error {
	tx, err := s.db.Begin()
	if err != nil {
		return eris.Wrap(err, "checkpoint: begin")
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.Exec(`
		INSERT INTO checkpoint_runs (run_id, source, ts, total_processed, total_success, total_failed, duration_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Source, run.Timestamp.UTC(), run.TotalProcessed, run.TotalSuccess, run.TotalFailed, run.DurationSeconds,
	); err != nil {
		return eris.Wrap(err, "checkpoint: insert run")
	}
	if _, err := tx.Exec(`
		DELETE FROM checkpoint_runs WHERE source = ? AND run_id NOT IN (
			SELECT run_id FROM checkpoint_runs WHERE source = ? ORDER BY ts DESC, rowid DESC LIMIT ?
		)`, run.Source, run.Source, HistoryLimit,
	); err != nil {
		return eris.Wrap(err, "checkpoint: trim runs")
	}
	return eris.Wrap(tx.Commit(), "checkpoint: commit run")
}

// LastRun returns the newest run of source, or of any source when source
// is empty.
func (s *SQLiteStore) LastRun(source string) (RunSummary, bool, error) {
	query := `SELECT run_id, source, ts, total_processed, total_success, total_failed, duration_seconds
		FROM checkpoint_runs`
	var args []any
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY ts DESC, rowid DESC LIMIT 1`

	var r RunSummary
	err := s.db.QueryRow(query, args...).Scan(
		&r.RunID, &r.Source, &r.Timestamp, &r.TotalProcessed, &r.TotalSuccess, &r.TotalFailed, &r.DurationSeconds,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RunSummary{}, false, nil
	}
	if err != nil {
		return RunSummary{}, false, eris.Wrap(err, "checkpoint: last run")
	}
	return r, true, nil
}

// Close closes the database and releases the source lock.
func (s *SQLiteStore) Close() error {
	err := eris.Wrap(s.db.Close(), "checkpoint: close sqlite")
	if uerr := s.lock.Unlock(); uerr != nil && err == nil {
		err = eris.Wrap(uerr, "checkpoint: release lock")
	}
	return err
}
