// Package metadata records pipeline runs, written tables and quality gate
// outcomes in a run catalog.
package metadata

import (
	"context"
	"sync"
	"time"
)

// CatalogConfig selects the catalog backend. An empty DSN disables it.
type CatalogConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
}

// RunRecord summarizes one pipeline run.
type RunRecord struct {
	RunID            string
	Pipeline         string
	Status           string
	RecordsExtracted int64
	TablesCreated    int
	TotalRows        int64
	QualityScore     float64
	Errors           []string
	Warnings         []string
	StartedAt        time.Time
	FinishedAt       time.Time
}

// TableRecord describes one written table.
type TableRecord struct {
	Table      string
	RowCount   int64
	ByteSize   int64
	Checksum   string
	StorageURI string
}

// QualityRecord is the outcome of one quality gate.
type QualityRecord struct {
	Gate      string
	Severity  string
	Score     float64
	Threshold float64
	Weight    float64
	Passed    bool
	Detail    string
}

// Catalog persists run lineage. RecordRun must be called before the
// table and quality records of the same run.
type Catalog interface {
	RecordRun(ctx context.Context, rec RunRecord) error
	RecordTables(ctx context.Context, runID string, recs []TableRecord) error
	RecordQuality(ctx context.Context, runID string, recs []QualityRecord) error
	Close() error
}

// NewCatalog returns a Postgres catalog when a DSN is configured and a
// no-op catalog otherwise.
func NewCatalog(ctx context.Context, cfg CatalogConfig) (Catalog, error) {
	if cfg.PostgresDSN == "" {
		return Noop(), nil
	}
	return NewPostgresCatalog(ctx, cfg)
}

type noopCatalog struct{}

// Noop returns a catalog that discards everything.
func Noop() Catalog { return noopCatalog{} }

func (noopCatalog) RecordRun(context.Context, RunRecord) error                { return nil }
func (noopCatalog) RecordTables(context.Context, string, []TableRecord) error { return nil }
func (noopCatalog) RecordQuality(context.Context, string, []QualityRecord) error {
	return nil
}
func (noopCatalog) Close() error { return nil }

// Memory keeps records in process. It backs dry runs and tests.
type Memory struct {
	mu      sync.Mutex
	Runs    map[string]RunRecord
	Tables  map[string][]TableRecord
	Quality map[string][]QualityRecord
}

// NewMemory creates an empty in-memory catalog.
func NewMemory() *Memory {
	return &Memory{
		Runs:    make(map[string]RunRecord),
		Tables:  make(map[string][]TableRecord),
		Quality: make(map[string][]QualityRecord),
	}
}

func (m *Memory) RecordRun(_ context.Context, rec RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Runs[rec.RunID] = rec
	return nil
}

func (m *Memory) RecordTables(_ context.Context, runID string, recs []TableRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Tables[runID] = append([]TableRecord(nil), recs...)
	return nil
}

func (m *Memory) RecordQuality(_ context.Context, runID string, recs []QualityRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Quality[runID] = append([]QualityRecord(nil), recs...)
	return nil
}

// Run returns the recorded run, if any.
func (m *Memory) Run(runID string) (RunRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.Runs[runID]
	return rec, ok
}

func (m *Memory) Close() error { return nil }
