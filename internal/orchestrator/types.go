package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/quality"
	"github.com/mboyajeffers/etl-framework/internal/writer"
)

// Version information (set via ldflags)
var (
	Version = "v0.1.0"
	GitSHA  = "unknown"
)

// Status is the state of a pipeline run.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusExtracting Status = "EXTRACTING"
	StatusCleaning   Status = "CLEANING"
	StatusModeling   Status = "MODELING"
	StatusValidating Status = "VALIDATING"
	StatusWriting    Status = "WRITING"

	StatusSucceeded             Status = "SUCCEEDED"
	StatusSucceededWithWarnings Status = "SUCCEEDED_WITH_WARNINGS"
	StatusFailed                Status = "FAILED"
	// StatusSkipped marks a batch member that was not run because its API
	// key is missing.
	StatusSkipped Status = "SKIPPED"
)

// Terminal reports whether s ends a run.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusSucceededWithWarnings, StatusFailed, StatusSkipped:
		return true
	}
	return false
}

// OK reports whether the run produced usable output.
func (s Status) OK() bool {
	return s == StatusSucceeded || s == StatusSucceededWithWarnings
}

// ErrCancelled is wrapped when a run stops because its context ended.
var ErrCancelled = errors.New("pipeline cancelled")

// StageError records the stage a run failed in.
type StageError struct {
	Stage Status
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// PipelineResult is the outcome of one pipeline run.
type PipelineResult struct {
	Pipeline         string             `json:"pipeline"`
	RunID            string             `json:"run_id"`
	Status           Status             `json:"status"`
	RecordsExtracted int                `json:"records_extracted"`
	TablesCreated    []string           `json:"tables_created"`
	TotalRows        int64              `json:"total_rows"`
	TotalDurationSec float64            `json:"total_duration_sec"`
	QualityScore     float64            `json:"quality_score"`
	Errors           []string           `json:"errors"`
	Warnings         []string           `json:"warnings"`
	StageDurations   map[string]float64 `json:"stage_durations"`
	States           []Status           `json:"states"`
	StartedAt        time.Time          `json:"started_at"`
	FinishedAt       time.Time          `json:"finished_at"`

	// Err is the fatal error, if any, for errors.Is/As by callers.
	Err     error                         `json:"-"`
	Quality *quality.Report               `json:"-"`
	Tables  map[string]writer.WriteResult `json:"-"`
	Extract *extract.Metadata             `json:"-"`
}

func newResult(pipeline, runID string, started time.Time) *PipelineResult {
	return &PipelineResult{
		Pipeline:       pipeline,
		RunID:          runID,
		Status:         StatusPending,
		TablesCreated:  []string{},
		Errors:         []string{},
		Warnings:       []string{},
		StageDurations: make(map[string]float64),
		States:         []Status{StatusPending},
		StartedAt:      started,
	}
}

func (r *PipelineResult) transition(s Status) {
	r.Status = s
	r.States = append(r.States, s)
}

func (r *PipelineResult) fail(err error) {
	if r.Err == nil {
		r.Err = err
	}
	r.Errors = append(r.Errors, err.Error())
}

func (r *PipelineResult) warn(msg string) {
	r.Warnings = append(r.Warnings, msg)
}

// RunMetrics is the pipeline_metrics.json document.
type RunMetrics struct {
	Pipeline       string             `json:"pipeline"`
	RunID          string             `json:"run_id"`
	GeneratedAt    time.Time          `json:"generated_at"`
	Status         Status             `json:"status"`
	QualityGates   []quality.Result   `json:"quality_gates"`
	CompositeScore float64            `json:"composite_score"`
	Passed         bool               `json:"passed"`
	Extraction     extract.Metadata   `json:"extraction"`
	Partial        bool               `json:"partial_extraction"`
	RowCounts      map[string]int64   `json:"row_counts"`
	StageDurations map[string]float64 `json:"stage_durations"`
}

// NewRunID returns an ID of the form ETL-YYYYMMDDHHMMSS-xxxxxxxx.
func NewRunID(now time.Time) string {
	return fmt.Sprintf("ETL-%s-%s", now.UTC().Format("20060102150405"), uuid.NewString()[:8])
}
