// Package extract implements the extraction stage: pulling paginated,
// rate-limited data from remote APIs into raw rows.
package extract

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Extractor pulls raw records for one pipeline run.
//
// A partially failed extraction returns a non-nil Result with Partial set and
// a nil error. A non-nil error means nothing usable was obtained.
type Extractor interface {
	Name() string
	Extract(ctx context.Context, params Params) (*Result, error)
}

// Result is the output of one extraction.
type Result struct {
	Records  []table.Row
	Metadata Metadata
	Partial  bool
	Err      error
	Warnings []string
}

// Metadata describes how the records were obtained.
type Metadata struct {
	Source          string    `json:"source"`
	FetchedAt       time.Time `json:"fetched_at"`
	RecordCount     int       `json:"record_count"`
	PagesFetched    int       `json:"pages_fetched"`
	APICalls        int64     `json:"api_calls"`
	CacheHits       int64     `json:"cache_hits"`
	Retries         int64     `json:"retries"`
	ResumedFromPage int       `json:"resumed_from_page,omitempty"`
}

// Params are caller-supplied extraction parameters.
type Params map[string]any

// Merge returns a copy of p overlaid with other.
func (p Params) Merge(other Params) Params {
	out := make(Params, len(p)+len(other))
	for k, v := range p {
		out[k] = v
	}
	for k, v := range other {
		out[k] = v
	}
	return out
}

// String returns the parameter as a string, or def when absent.
func (p Params) String(key, def string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprintf("%v", x)
	}
}

// Int returns the parameter as an int, or def when absent or unparsable.
func (p Params) Int(key string, def int) int {
	v, ok := p[key]
	if !ok || v == nil {
		return def
	}
	switch x := v.(type) {
	case int:
		return x
	case int64:
		return int(x)
	case float64:
		return int(x)
	case string:
		if n, err := strconv.Atoi(x); err == nil {
			return n
		}
	}
	return def
}

// Func adapts a function into an Extractor.
type Func struct {
	ExtractorName string
	Fn            func(ctx context.Context, params Params) (*Result, error)
}

// Name returns the extractor name.
func (f Func) Name() string { return f.ExtractorName }

// Extract calls the wrapped function.
func (f Func) Extract(ctx context.Context, params Params) (*Result, error) {
	return f.Fn(ctx, params)
}
