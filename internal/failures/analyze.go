package failures

import (
	"bufio"
	"cmp"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

const maxLineBytes = 4 << 20

// Count is one bucket of a breakdown.
type Count struct {
	Key   string `json:"key" yaml:"key"`
	Count int    `json:"count" yaml:"count"`
}

// Report summarises a failure log.
type Report struct {
	GeneratedAt   time.Time           `json:"generated_at" yaml:"generated_at"`
	SourceFile    string              `json:"source_file" yaml:"source_file"`
	TotalFailures int                 `json:"total_failures" yaml:"total_failures"`
	Malformed     int                 `json:"malformed_lines,omitempty" yaml:"malformed_lines,omitempty"`
	ByErrorType   []Count             `json:"by_error_type" yaml:"by_error_type"`
	BySource      []Count             `json:"by_source" yaml:"by_source"`
	Examples      map[string][]Record `json:"examples" yaml:"examples"`
	Errors        []Record            `json:"errors" yaml:"errors"`
}

// Analyze reads the failure log at path and keeps up to examples records
// per error type. Unparseable lines are counted and skipped.
func Analyze(path string, examples int) (*Report, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failures: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	rep := &Report{
		GeneratedAt: time.Now().UTC(),
		SourceFile:  path,
		Examples:    map[string][]Record{},
	}
	byType := map[string]int{}
	bySource := map[string]int{}

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var rec Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			rep.Malformed++
			zap.L().Debug("failures: skipping malformed line", zap.Error(err))
			continue
		}

		rep.TotalFailures++
		rep.Errors = append(rep.Errors, rec)
		typ := errorType(rec)
		byType[typ]++
		bySource[cmp.Or(rec.Source, "unknown")]++
		if len(rep.Examples[typ]) < examples {
			rep.Examples[typ] = append(rep.Examples[typ], rec)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, eris.Wrap(err, "failures: read log")
	}

	rep.ByErrorType = sortedCounts(byType)
	rep.BySource = sortedCounts(bySource)
	return rep, nil
}

func errorType(rec Record) string {
	if rec.Error != nil && rec.Error.ErrorType != "" {
		return rec.Error.ErrorType
	}
	return strings.ToUpper(cmp.Or(string(rec.Status), "unknown"))
}

func sortedCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for k, v := range m {
		out = append(out, Count{Key: k, Count: v})
	}
	slices.SortFunc(out, func(a, b Count) int {
		if c := cmp.Compare(b.Count, a.Count); c != 0 {
			return c
		}
		return cmp.Compare(a.Key, b.Key)
	})
	return out
}

// Print renders the human-readable report.
func (r *Report) Print(w io.Writer) {
	fmt.Fprintf(w, "Failure analysis: %s\n", r.SourceFile)
	fmt.Fprintf(w, "Total failures: %d\n", r.TotalFailures)
	if r.Malformed > 0 {
		fmt.Fprintf(w, "Malformed lines skipped: %d\n", r.Malformed)
	}
	if r.TotalFailures == 0 {
		return
	}

	fmt.Fprintln(w, "\nBy error type:")
	for _, c := range r.ByErrorType {
		fmt.Fprintf(w, "  %-28s %6d  (%.1f%%)\n", c.Key, c.Count, pct(c.Count, r.TotalFailures))
	}
	fmt.Fprintln(w, "\nBy source:")
	for _, c := range r.BySource {
		fmt.Fprintf(w, "  %-28s %6d\n", c.Key, c.Count)
	}

	for _, c := range r.ByErrorType {
		ex := r.Examples[c.Key]
		if len(ex) == 0 {
			continue
		}
		fmt.Fprintf(w, "\nExamples of %s:\n", c.Key)
		for _, rec := range ex {
			msg := ""
			if rec.Error != nil {
				msg = rec.Error.Message
			}
			fmt.Fprintf(w, "  - [%s] %s: %s\n", rec.Source, rec.SourceID, msg)
			if rec.Error != nil && len(rec.Error.RawDataKeys) > 0 {
				fmt.Fprintf(w, "    raw keys: %s\n", strings.Join(rec.Error.RawDataKeys, ", "))
			}
			if len(rec.Warnings) > 0 {
				fmt.Fprintf(w, "    warnings: %s\n", strings.Join(rec.Warnings, "; "))
			}
		}
	}
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// WriteFile saves the report as YAML when path ends in .yaml or .yml, JSON
// otherwise.
func (r *Report) WriteFile(path string) error {
	var data []byte
	var err error
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(r)
	default:
		data, err = json.MarshalIndent(r, "", "  ")
	}
	if err != nil {
		return eris.Wrap(err, "failures: encode report")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return eris.Wrap(err, "failures: create report dir")
	}
	return eris.Wrap(os.WriteFile(path, data, 0o644), "failures: write report")
}
