// Package failures records items that did not make it into the store and
// summarises them afterwards.
package failures

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/ghadam-app/crawlers/internal/crawl"
)

// Record is one line of the failure log.
type Record struct {
	Timestamp time.Time           `json:"timestamp" yaml:"timestamp"`
	Source    string              `json:"source" yaml:"source"`
	SourceID  string              `json:"source_id" yaml:"source_id"`
	Status    crawl.Status        `json:"status" yaml:"status"`
	Error     *crawl.ErrorSummary `json:"error,omitempty" yaml:"error,omitempty"`
	Warnings  []string            `json:"warnings,omitempty" yaml:"warnings,omitempty"`
}

// NewRecord builds the log line for a result.
func NewRecord(source string, r crawl.Result) Record {
	rec := Record{
		Timestamp: time.Now().UTC(),
		Source:    source,
		SourceID:  r.SourceID,
		Status:    r.Status,
		Warnings:  r.Warnings,
	}
	if r.Err != nil {
		sum := r.Err.Summary()
		rec.Error = &sum
	}
	return rec
}

// Log is an append-only JSON-lines file. Existing lines are never rewritten.
type Log struct {
	mu sync.Mutex
	f  *os.File
}

// OpenLog opens path for appending, creating it and its directory.
func OpenLog(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrap(err, "failures: create dir")
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, eris.Wrap(err, "failures: open log")
	}
	return &Log{f: f}, nil
}

// Append writes rec as one line in a single write.
func (l *Log) Append(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "failures: encode record")
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.f.Write(line); err != nil {
		return eris.Wrap(err, "failures: append")
	}
	return nil
}

// Path is the file being appended to.
func (l *Log) Path() string { return l.f.Name() }

func (l *Log) Close() error {
	return eris.Wrap(l.f.Close(), "failures: close log")
}
