package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func openStores(t *testing.T) map[string]func(*testing.T) Store {
	dir := t.TempDir()
	return map[string]func(*testing.T) Store{
		"file": func(t *testing.T) Store {
			s, err := OpenFile(filepath.Join(dir, "daad_checkpoint.json"))
			require.NoError(t, err)
			return s
		},
		"sqlite": func(t *testing.T) Store {
			s, err := OpenSQLite(filepath.Join(dir, "checkpoints.db"), "daad")
			require.NoError(t, err)
			return s
		},
	}
}

func TestStore_OffsetsPersistAcrossReopen(t *testing.T) {
	for name, open := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			got, err := s.GetOffset("master")
			require.NoError(t, err)
			assert.Equal(t, 0, got)

			require.NoError(t, s.SetOffset("master", 100))
			require.NoError(t, s.SetOffset("master", 200))
			require.NoError(t, s.SetOffset("phd", 50))
			require.NoError(t, s.Close())

			s = open(t)
			defer s.Close() //nolint:errcheck
			got, err = s.GetOffset("master")
			require.NoError(t, err)
			assert.Equal(t, 200, got)

			all, err := s.Offsets()
			require.NoError(t, err)
			assert.Equal(t, map[string]int{"master": 200, "phd": 50}, all)

			require.NoError(t, s.ResetOffsets())
			got, err = s.GetOffset("phd")
			require.NoError(t, err)
			assert.Equal(t, 0, got)
		})
	}
}

func TestStore_RunHistoryCapped(t *testing.T) {
	for name, open := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			s := open(t)
			defer s.Close() //nolint:errcheck

			_, ok, err := s.LastRun("daad")
			require.NoError(t, err)
			assert.False(t, ok)

			base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
			for i := 0; i < 12; i++ {
				r := NewRunSummary("daad", i, i, 0, time.Duration(i)*time.Second)
				r.Timestamp = base.Add(time.Duration(i) * time.Minute)
				r.RunID = fmt.Sprintf("run-%02d", i)
				require.NoError(t, s.RecordRun(r))
			}

			last, ok, err := s.LastRun("daad")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "run-11", last.RunID)
			assert.Equal(t, 11, last.TotalProcessed)
			assert.InDelta(t, 11.0, last.DurationSeconds, 0.001)

			last, ok, err = s.LastRun("")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, "run-11", last.RunID)

			_, ok, err = s.LastRun("studyinnl")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStore_HistoryKeepsNewestTen(t *testing.T) {
	s, err := OpenFile(filepath.Join(t.TempDir(), "x_checkpoint.json"))
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	for i := 0; i < 15; i++ {
		require.NoError(t, s.RecordRun(RunSummary{RunID: fmt.Sprint(i), Source: "x"}))
	}
	runs := s.Runs()
	require.Len(t, runs, HistoryLimit)
	assert.Equal(t, "5", runs[0].RunID)
	assert.Equal(t, "14", runs[9].RunID)
}

func TestFileStore_SecondOpenIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daad_checkpoint.json")
	s, err := OpenFile(path)
	require.NoError(t, err)

	_, err = OpenFile(path)
	assert.ErrorIs(t, err, ErrLocked)

	require.NoError(t, s.Close())
	s, err = OpenFile(path)
	require.NoError(t, err)
	require.NoError(t, s.Close())
}

func TestSQLiteStore_SecondOpenOfSameSourceIsLocked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoints.db")
	a, err := OpenSQLite(path, "daad")
	require.NoError(t, err)
	require.NoError(t, a.SetOffset("master", 300))

	_, err = OpenSQLite(path, "daad")
	assert.ErrorIs(t, err, ErrLocked)

	// Other sources share the database file but not the lock.
	b, err := OpenSQLite(path, "studyinnl")
	require.NoError(t, err)
	require.NoError(t, b.SetOffset("programs", 50))
	require.NoError(t, b.Close())

	got, err := a.GetOffset("master")
	require.NoError(t, err)
	assert.Equal(t, 300, got)

	require.NoError(t, a.Close())
	a, err = OpenSQLite(path, "daad")
	require.NoError(t, err)
	require.NoError(t, a.Close())
}

func TestFileStore_CorruptFileStartsFresh(t *testing.T) {
	path := filepath.Join(t.TempDir(), "daad_checkpoint.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	s, err := OpenFile(path)
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	got, err := s.GetOffset("master")
	require.NoError(t, err)
	assert.Equal(t, 0, got)
	require.NoError(t, s.SetOffset("master", 10))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"master": 10`)
	assert.Contains(t, string(data), `"last_updated"`)
}
