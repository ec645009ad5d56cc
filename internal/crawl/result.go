// Package crawl defines the contract every source crawler implements and the
// loop that turns a crawler's raw items into per-item results without letting
// one bad item stop a run.
package crawl

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/rotisserie/eris"
)

// Status is the outcome of transforming one raw item.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
	StatusSkipped Status = "skipped"
)

// Error types recorded in CrawlError.Type.
const (
	ErrTransformException = "TRANSFORM_EXCEPTION"
	ErrMissingRequired    = "MISSING_REQUIRED_FIELDS"
	ErrIncompletePayload  = "INCOMPLETE_PAYLOAD"
	ErrSkipped            = "SKIPPED"
)

// ParentIDField is the child payload key that carries the parent's identity.
const ParentIDField = "university_id"

// RawItem is one record as the source returned it.
type RawItem map[string]any

// Payload is a column-name to value map destined for one table row.
type Payload map[string]any

// String returns p[key] as a trimmed string, or "" when absent or not a string.
func (p Payload) String(key string) string {
	s, _ := p[key].(string)
	return strings.TrimSpace(s)
}

// Name returns the "name" field.
func (p Payload) Name() string { return p.String("name") }

// Clone returns a shallow copy.
func (p Payload) Clone() Payload { return maps.Clone(p) }

// WithParentID returns a copy of p carrying the parent identity.
func (p Payload) WithParentID(id int64) Payload {
	c := p.Clone()
	if c == nil {
		c = Payload{}
	}
	c[ParentIDField] = id
	return c
}

// ParentID returns the parent identity stored by WithParentID.
func (p Payload) ParentID() (int64, bool) {
	switch v := p[ParentIDField].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	}
	return 0, false
}

// CrawlError describes why an item failed. It is never mutated after
// construction.
type CrawlError struct {
	SourceID  string
	Type      string
	Message   string
	RawData   RawItem
	Timestamp time.Time
}

// NewError stamps a CrawlError with the current time.
func NewError(sourceID, errType, message string, raw RawItem) *CrawlError {
	return &CrawlError{
		SourceID:  sourceID,
		Type:      errType,
		Message:   message,
		RawData:   raw,
		Timestamp: time.Now().UTC(),
	}
}

func (e *CrawlError) Error() string {
	return fmt.Sprintf("%s [%s]: %s", e.SourceID, e.Type, e.Message)
}

// ErrorSummary is the serialisable form of a CrawlError. Raw values are
// dropped; only their keys survive.
type ErrorSummary struct {
	SourceID    string    `json:"source_id" yaml:"source_id"`
	ErrorType   string    `json:"error_type" yaml:"error_type"`
	Message     string    `json:"message" yaml:"message"`
	Timestamp   time.Time `json:"timestamp" yaml:"timestamp"`
	RawDataKeys []string  `json:"raw_data_keys,omitempty" yaml:"raw_data_keys,omitempty"`
}

// Summary returns the serialisable form.
func (e *CrawlError) Summary() ErrorSummary {
	var keys []string
	if len(e.RawData) > 0 {
		keys = slices.Sorted(maps.Keys(e.RawData))
	}
	return ErrorSummary{
		SourceID:    e.SourceID,
		ErrorType:   e.Type,
		Message:     e.Message,
		Timestamp:   e.Timestamp,
		RawDataKeys: keys,
	}
}

// Result is the outcome of transforming one raw item.
//
// A failed result always carries Err; success and partial results carry both
// payloads.
type Result struct {
	SourceID string
	Status   Status
	Parent   Payload
	Child    Payload
	Err      *CrawlError
	Warnings []string
}

// Success builds a success result, downgraded to partial when there are
// warnings.
func Success(sourceID string, parent, child Payload, warnings ...string) Result {
	return Finalize(Result{SourceID: sourceID, Status: StatusSuccess, Parent: parent, Child: child, Warnings: warnings})
}

// Finalize downgrades a success carrying warnings to partial. Results built
// field by field pass through it once their warnings are known.
func Finalize(r Result) Result {
	if r.Status == StatusSuccess && len(r.Warnings) > 0 {
		r.Status = StatusPartial
	}
	return r
}

// Failed builds a failed result.
func Failed(sourceID, errType, message string, raw RawItem) Result {
	return Result{
		SourceID: sourceID,
		Status:   StatusFailed,
		Err:      NewError(sourceID, errType, message, raw),
	}
}

// Skipped builds a skipped result.
func Skipped(sourceID, reason string) Result {
	return Result{
		SourceID: sourceID,
		Status:   StatusSkipped,
		Err:      NewError(sourceID, ErrSkipped, reason, nil),
	}
}

// Validate reports a result that breaks its status contract: an unknown
// status, a failure without an error, or a success missing a payload.
func (r Result) Validate() error {
	switch r.Status {
	case StatusSuccess, StatusPartial:
		if len(r.Parent) == 0 || len(r.Child) == 0 {
			return eris.Errorf("crawl: %s result without both payloads", r.Status)
		}
	case StatusFailed:
		if r.Err == nil {
			return eris.New("crawl: failed result without an error")
		}
	case StatusSkipped:
	default:
		return eris.Errorf("crawl: unknown result status %q", r.Status)
	}
	return nil
}

// IsSuccess is true for success and partial.
func (r Result) IsSuccess() bool {
	return r.Status == StatusSuccess || r.Status == StatusPartial
}

// Complete reports whether a successful result has both payloads with a
// parent name to match on.
func (r Result) Complete() bool {
	return r.IsSuccess() && len(r.Parent) > 0 && len(r.Child) > 0 && r.Parent.Name() != ""
}

// sourceIDKeys are tried in order when a crawler cannot name an item itself.
var sourceIDKeys = []string{"id", "course_id", "program_id", "url"}

// ExtractSourceID returns the first present identifying field of raw, or
// "unknown".
func ExtractSourceID(raw RawItem) string {
	for _, k := range sourceIDKeys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		if s := strings.TrimSpace(fmt.Sprint(v)); s != "" {
			return s
		}
	}
	return "unknown"
}
