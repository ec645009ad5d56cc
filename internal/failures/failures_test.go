package failures

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ghadam-app/crawlers/internal/crawl"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func writeLog(t *testing.T, path string, results ...crawl.Result) {
	t.Helper()
	l, err := OpenLog(path)
	require.NoError(t, err)
	for _, r := range results {
		require.NoError(t, l.Append(NewRecord("daad", r)))
	}
	require.NoError(t, l.Close())
}

func TestLog_AppendsAcrossOpens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "daad_failed_items.jsonl")
	writeLog(t, path, crawl.Failed("1", crawl.ErrMissingRequired, "missing courseName", crawl.RawItem{"id": 1}))
	writeLog(t, path, crawl.Skipped("2", "duplicate"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	assert.Equal(t, "daad", rec["source"])
	assert.Equal(t, "1", rec["source_id"])
	assert.Equal(t, "failed", rec["status"])
	errObj := rec["error"].(map[string]any)
	assert.Equal(t, crawl.ErrMissingRequired, errObj["error_type"])
	assert.Equal(t, []any{"id"}, errObj["raw_data_keys"])
}

func TestAnalyze(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f.jsonl")
	writeLog(t, path,
		crawl.Failed("1", crawl.ErrMissingRequired, "missing academy", nil),
		crawl.Failed("2", crawl.ErrMissingRequired, "missing id", nil),
		crawl.Failed("3", crawl.ErrMissingRequired, "missing name", nil),
		crawl.Failed("4", crawl.ErrTransformException, "panic: index out of range", nil),
	)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{truncated\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	rep, err := Analyze(path, 2)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.TotalFailures)
	assert.Equal(t, 1, rep.Malformed)
	assert.Equal(t, []Count{
		{Key: crawl.ErrMissingRequired, Count: 3},
		{Key: crawl.ErrTransformException, Count: 1},
	}, rep.ByErrorType)
	assert.Equal(t, []Count{{Key: "daad", Count: 4}}, rep.BySource)
	assert.Len(t, rep.Examples[crawl.ErrMissingRequired], 2)

	var buf bytes.Buffer
	rep.Print(&buf)
	out := buf.String()
	assert.Contains(t, out, "Total failures: 4")
	assert.Contains(t, out, "MISSING_REQUIRED_FIELDS")
	assert.Contains(t, out, "75.0%")
	assert.Contains(t, out, "[daad] 4: panic: index out of range")
}

func TestAnalyze_MissingFile(t *testing.T) {
	_, err := Analyze(filepath.Join(t.TempDir(), "nope.jsonl"), 3)
	require.Error(t, err)
}

func TestReport_WriteFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.jsonl")
	writeLog(t, path, crawl.Failed("1", "HTTP", "boom", nil))
	rep, err := Analyze(path, 3)
	require.NoError(t, err)

	jsonPath := filepath.Join(dir, "out", "report.json")
	require.NoError(t, rep.WriteFile(jsonPath))
	var decoded map[string]any
	data, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.EqualValues(t, 1, decoded["total_failures"])
	assert.Equal(t, path, decoded["source_file"])

	yamlPath := filepath.Join(dir, "report.yaml")
	require.NoError(t, rep.WriteFile(yamlPath))
	data, err = os.ReadFile(yamlPath)
	require.NoError(t, err)
	var y map[string]any
	require.NoError(t, yaml.Unmarshal(data, &y))
	assert.Equal(t, 1, y["total_failures"])
}
