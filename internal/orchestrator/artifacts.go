package orchestrator

import (
	"context"
	"log/slog"
	"path"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/audit"
	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/metadata"
	"github.com/mboyajeffers/etl-framework/internal/metrics"
	"github.com/mboyajeffers/etl-framework/internal/quality"
)

// MetricsFile is written under each pipeline's output directory.
const MetricsFile = "pipeline_metrics.json"

// RunsDir holds one PipelineResult document per run.
const RunsDir = "_runs"

func (o *Orchestrator) writeRunMetrics(ctx context.Context, final Status, extracted *extract.Result, report *quality.Report, res *PipelineResult, log *slog.Logger) {
	doc := RunMetrics{
		Pipeline:       res.Pipeline,
		RunID:          res.RunID,
		GeneratedAt:    o.now().UTC(),
		Status:         final,
		QualityGates:   report.Results,
		CompositeScore: report.CompositeScore,
		Passed:         report.Passed,
		Extraction:     extracted.Metadata,
		Partial:        extracted.Partial,
		RowCounts:      make(map[string]int64, len(res.Tables)),
		StageDurations: res.StageDurations,
	}
	for name, wr := range res.Tables {
		if wr.Err == nil {
			doc.RowCounts[name] = wr.RowCount
		}
	}
	// The per-run copy is never rewritten; the pipeline copy tracks the latest run.
	for _, key := range []string{RunMetricsKey(res.RunID), path.Join(res.Pipeline, MetricsFile)} {
		uri, err := o.writer.PutJSON(ctx, key, doc)
		if err != nil {
			res.warn("write " + key + ": " + err.Error())
			log.Warn("failed to write pipeline metrics", "key", key, "error", err)
			return
		}
		log.Debug("pipeline metrics written", "uri", uri)
	}
}

// RunMetricsKey is the storage key of the metrics document of one run.
func RunMetricsKey(runID string) string {
	return path.Join(RunsDir, runID, MetricsFile)
}

// finish stamps the result and persists the run record. It runs even when
// ctx is cancelled.
func (o *Orchestrator) finish(ctx context.Context, res *PipelineResult, log *slog.Logger) {
	if !res.Status.Terminal() {
		res.transition(StatusFailed)
	}
	finished := o.now()
	res.FinishedAt = finished.UTC()
	res.TotalDurationSec = finished.Sub(res.StartedAt).Seconds()
	metrics.Get().IncPipelineRuns(res.Pipeline, string(res.Status))

	ctx = context.WithoutCancel(ctx)
	if _, err := o.writer.PutJSON(ctx, path.Join(RunsDir, res.RunID+".json"), res); err != nil {
		log.Warn("failed to write run record", "error", err)
	}
	o.record(ctx, res, log)
	o.emitAudit(ctx, res, log)

	attrs := []any{
		"status", res.Status,
		"records_extracted", res.RecordsExtracted,
		"tables", len(res.TablesCreated),
		"total_rows", res.TotalRows,
		"quality_score", res.QualityScore,
		"duration_sec", res.TotalDurationSec,
	}
	switch res.Status {
	case StatusFailed:
		log.Error("pipeline failed", append(attrs, "errors", res.Errors)...)
	case StatusSucceededWithWarnings:
		log.Warn("pipeline finished with warnings", append(attrs, "warnings", res.Warnings)...)
	default:
		log.Info("pipeline finished", attrs...)
	}
}

func (o *Orchestrator) record(ctx context.Context, res *PipelineResult, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if err := o.catalog.RecordRun(ctx, metadata.RunRecord{
		RunID:            res.RunID,
		Pipeline:         res.Pipeline,
		Status:           string(res.Status),
		RecordsExtracted: int64(res.RecordsExtracted),
		TablesCreated:    len(res.TablesCreated),
		TotalRows:        res.TotalRows,
		QualityScore:     res.QualityScore,
		Errors:           res.Errors,
		Warnings:         res.Warnings,
		StartedAt:        res.StartedAt,
		FinishedAt:       res.FinishedAt,
	}); err != nil {
		log.Warn("failed to record run in catalog", "error", err)
		return
	}

	var tables []metadata.TableRecord
	for _, name := range res.TablesCreated {
		wr := res.Tables[name]
		tables = append(tables, metadata.TableRecord{
			Table:      name,
			RowCount:   wr.RowCount,
			ByteSize:   wr.ByteSize,
			Checksum:   wr.Checksum,
			StorageURI: wr.Path,
		})
	}
	if err := o.catalog.RecordTables(ctx, res.RunID, tables); err != nil {
		log.Warn("failed to record tables in catalog", "error", err)
	}

	if res.Quality == nil {
		return
	}
	gates := make([]metadata.QualityRecord, 0, len(res.Quality.Results))
	for _, g := range res.Quality.Results {
		gates = append(gates, metadata.QualityRecord{
			Gate:      g.Name,
			Severity:  string(g.Severity),
			Score:     g.Score,
			Threshold: g.Threshold,
			Weight:    g.Weight,
			Passed:    g.Passed,
			Detail:    g.Detail,
		})
	}
	if err := o.catalog.RecordQuality(ctx, res.RunID, gates); err != nil {
		log.Warn("failed to record quality in catalog", "error", err)
	}
}

// emitAudit chains an event carrying the checksum of every written table.
// Runs that wrote nothing are not audited.
func (o *Orchestrator) emitAudit(ctx context.Context, res *PipelineResult, log *slog.Logger) {
	if len(res.TablesCreated) == 0 {
		return
	}
	evt := &audit.Event{
		Timestamp: res.FinishedAt,
		Run: audit.RunInfo{
			Pipeline:         res.Pipeline,
			RunID:            res.RunID,
			Status:           string(res.Status),
			RecordsExtracted: res.RecordsExtracted,
			QualityScore:     res.QualityScore,
		},
		Tables:   make(map[string]audit.TableInfo, len(res.TablesCreated)),
		Producer: audit.ProducerInfo{Name: "etl", Version: Version + "+" + GitSHA},
	}
	for _, name := range res.TablesCreated {
		wr := res.Tables[name]
		evt.Tables[name] = audit.TableInfo{
			Checksum:    wr.Checksum,
			RowCount:    wr.RowCount,
			StoragePath: wr.Path,
			ByteSize:    wr.ByteSize,
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := o.audit.Emit(ctx, evt); err != nil {
		log.Warn("failed to emit audit event", "error", err)
		return
	}
	log.Debug("audit event emitted", "event_hash", evt.Chain.EventHash)
}
