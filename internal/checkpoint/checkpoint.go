// Package checkpoint persists per-partition pagination offsets and a short
// history of run summaries so interrupted crawls can resume.
package checkpoint

import (
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// HistoryLimit is how many run summaries are kept per source.
const HistoryLimit = 10

// ErrLocked is returned when another process holds the checkpoint.
var ErrLocked = eris.New("checkpoint: locked by another process")

// RunSummary is one finished run.
type RunSummary struct {
	RunID           string    `json:"run_id"`
	Source          string    `json:"source"`
	Timestamp       time.Time `json:"timestamp"`
	TotalProcessed  int       `json:"total_processed"`
	TotalSuccess    int       `json:"total_success"`
	TotalFailed     int       `json:"total_failed"`
	DurationSeconds float64   `json:"duration_seconds"`
}

// NewRunSummary stamps a summary with a fresh run ID and the current time.
func NewRunSummary(source string, processed, success, failed int, d time.Duration) RunSummary {
	return RunSummary{
		RunID:           uuid.NewString(),
		Source:          source,
		Timestamp:       time.Now().UTC(),
		TotalProcessed:  processed,
		TotalSuccess:    success,
		TotalFailed:     failed,
		DurationSeconds: d.Seconds(),
	}
}

// Store is the checkpoint contract. Offsets are written through on every
// SetOffset.
type Store interface {
	// GetOffset returns the saved offset, or 0 for an unseen partition.
	GetOffset(partition string) (int, error)
	SetOffset(partition string, offset int) error
	// Offsets returns every saved offset.
	Offsets() (map[string]int, error)
	ResetOffsets() error
	// RecordRun appends to the history, keeping the newest HistoryLimit.
	RecordRun(run RunSummary) error
	// LastRun returns the newest run for source, or for any source when
	// source is empty.
	LastRun(source string) (RunSummary, bool, error)
	Close() error
}

func trimHistory(runs []RunSummary) []RunSummary {
	if len(runs) > HistoryLimit {
		return runs[len(runs)-HistoryLimit:]
	}
	return runs
}
