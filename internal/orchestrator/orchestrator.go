// Package orchestrator drives pipelines from the registry through extract,
// clean, model, validate and write, and reports a PipelineResult per run.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"sort"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/audit"
	"github.com/mboyajeffers/etl-framework/internal/cache"
	"github.com/mboyajeffers/etl-framework/internal/checkpoint"
	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/logging"
	"github.com/mboyajeffers/etl-framework/internal/metadata"
	"github.com/mboyajeffers/etl-framework/internal/metrics"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/quality"
	"github.com/mboyajeffers/etl-framework/internal/registry"
	"github.com/mboyajeffers/etl-framework/internal/storage"
	"github.com/mboyajeffers/etl-framework/internal/table"
	"github.com/mboyajeffers/etl-framework/internal/writer"
)

// priorTabler is implemented by transformers that merge against previously
// written dimension tables.
type priorTabler interface {
	PriorTables() []string
}

// Orchestrator runs registered pipelines.
type Orchestrator struct {
	reg         *registry.Registry
	writer      *writer.Writer
	catalog     metadata.Catalog
	audit       audit.Emitter
	cache       *cache.Cache
	checkpoints checkpoint.Manager
	httpClient  *http.Client
	gates       *quality.Runner
	workers     int
	now         func() time.Time
	log         *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWriter sets the table writer. Without one, output goes to memory.
func WithWriter(w *writer.Writer) Option {
	return func(o *Orchestrator) { o.writer = w }
}

// WithCatalog records runs in c.
func WithCatalog(c metadata.Catalog) Option {
	return func(o *Orchestrator) {
		if c != nil {
			o.catalog = c
		}
	}
}

// WithAudit emits a hash-chained audit event for every finished run.
func WithAudit(e audit.Emitter) Option {
	return func(o *Orchestrator) {
		if e != nil {
			o.audit = e
		}
	}
}

// WithCache passes the response cache to every extractor.
func WithCache(c *cache.Cache) Option {
	return func(o *Orchestrator) { o.cache = c }
}

// WithCheckpoints passes the checkpoint manager to every extractor.
func WithCheckpoints(m checkpoint.Manager) Option {
	return func(o *Orchestrator) {
		if m != nil {
			o.checkpoints = m
		}
	}
}

// WithHTTPClient overrides the HTTP client given to extractors.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Orchestrator) { o.httpClient = c }
}

// WithWorkers sets how many pipelines RunAll runs at once.
func WithWorkers(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.workers = n
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates an Orchestrator over reg.
func New(reg *registry.Registry, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		reg:         reg,
		catalog:     metadata.Noop(),
		audit:       audit.Noop(),
		checkpoints: checkpoint.Noop(),
		gates:       quality.NewRunner(),
		workers:     1,
		now:         time.Now,
		log:         logging.Component("orchestrator"),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.writer == nil {
		o.log.Warn("no writer configured, output kept in memory")
		o.writer = writer.New(storage.NewMemStore())
	}
	return o
}

// Writer returns the table writer.
func (o *Orchestrator) Writer() *writer.Writer { return o.writer }

// RunPipeline runs one pipeline end to end. It never panics and never
// returns a nil result; failures are recorded on the result.
func (o *Orchestrator) RunPipeline(ctx context.Context, name string, params extract.Params) *PipelineResult {
	started := o.now()
	res := newResult(name, NewRunID(started), started.UTC())
	if logging.CorrelationID(ctx) == "" {
		ctx = logging.WithCorrelationID(ctx, res.RunID)
	}
	log := logging.ForRun(ctx, res.RunID, name)

	metrics.Get().AddInFlight(1)
	defer metrics.Get().AddInFlight(-1)
	defer o.finish(ctx, res, log)

	spec, err := o.reg.Get(name)
	if err != nil {
		res.fail(err)
		res.transition(StatusFailed)
		return res
	}
	log.Info("pipeline started", "vertical", spec.Vertical)

	o.execute(ctx, spec, params, res, log)
	return res
}

func (o *Orchestrator) execute(ctx context.Context, spec registry.Spec, params extract.Params, res *PipelineResult, log *slog.Logger) {
	var (
		extracted *extract.Result
		cleaned   *table.Table
		schema    *model.Schema
		report    *quality.Report
	)

	err := o.stage(ctx, res, StatusExtracting, log, func(ctx context.Context) error {
		var err error
		extracted, err = o.extract(ctx, spec, params)
		return err
	})
	if err != nil {
		return
	}
	res.RecordsExtracted = len(extracted.Records)
	res.Extract = &extracted.Metadata
	metrics.Get().AddRecordsExtracted(spec.Name, float64(res.RecordsExtracted))
	for _, w := range extracted.Warnings {
		res.warn(w)
	}
	if extracted.Partial {
		if len(extracted.Warnings) == 0 {
			msg := "partial extraction"
			if extracted.Err != nil {
				msg = extracted.Err.Error()
			}
			res.warn(msg)
		}
		log.Warn("continuing with partial extraction", "records", res.RecordsExtracted, "error", extracted.Err)
	}

	err = o.stage(ctx, res, StatusCleaning, log, func(ctx context.Context) error {
		c, err := spec.NewCleaner()
		if err != nil {
			return fmt.Errorf("create cleaner: %w", err)
		}
		cleaned, err = c.Clean(ctx, extracted.Records)
		return err
	})
	if err != nil {
		return
	}

	err = o.stage(ctx, res, StatusModeling, log, func(ctx context.Context) error {
		t, err := spec.NewTransformer()
		if err != nil {
			return fmt.Errorf("create transformer: %w", err)
		}
		var prior model.Snapshot
		if pt, ok := t.(priorTabler); ok {
			prior, err = o.writer.LoadSnapshot(ctx, spec.Name, pt.PriorTables())
			if err != nil {
				return fmt.Errorf("load prior snapshot: %w", err)
			}
		}
		schema, err = t.Model(ctx, cleaned, prior)
		return err
	})
	if err != nil {
		return
	}

	err = o.stage(ctx, res, StatusValidating, log, func(ctx context.Context) error {
		report = o.gates.Run(ctx, schema, spec.Gates)
		return nil
	})
	if err != nil {
		return
	}
	res.Quality = report
	res.QualityScore = report.CompositeScore
	res.Warnings = append(res.Warnings, report.Warnings...)
	metrics.Get().SetQualityScore(spec.Name, report.CompositeScore)
	for _, g := range report.Results {
		if !g.Passed {
			metrics.Get().IncGateFailures(spec.Name, g.Name, string(g.Severity))
		}
	}

	// Blocker failures still write so the output can be inspected.
	err = o.stage(ctx, res, StatusWriting, log, func(ctx context.Context) error {
		return o.write(ctx, spec.Name, schema, res)
	})
	if err != nil {
		return
	}

	final := StatusSucceeded
	switch {
	case !report.Passed:
		final = StatusFailed
	case len(res.Warnings) > 0:
		final = StatusSucceededWithWarnings
	}
	o.writeRunMetrics(ctx, final, extracted, report, res, log)

	switch {
	case final == StatusFailed:
		res.fail(&StageError{Stage: StatusValidating, Err: report.Err()})
	case len(res.Warnings) > 0:
		final = StatusSucceededWithWarnings
	}
	res.transition(final)
}

// stage runs fn as the given stage. It checks for cancellation first,
// recovers panics and records the duration. A returned error fails the run.
func (o *Orchestrator) stage(ctx context.Context, res *PipelineResult, st Status, log *slog.Logger, fn func(context.Context) error) (err error) {
	if cerr := ctx.Err(); cerr != nil {
		err = &StageError{Stage: st, Err: fmt.Errorf("%w: %w", ErrCancelled, cerr)}
		res.fail(err)
		res.transition(StatusFailed)
		log.Warn("pipeline cancelled", "before", st)
		return err
	}

	res.transition(st)
	log.Info("stage started", "stage", st)
	start := time.Now()
	defer func() {
		if p := recover(); p != nil {
			log.Error("stage panicked", "stage", st, "panic", p, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", p)
		}
		elapsed := time.Since(start).Seconds()
		res.StageDurations[stageKey(st)] = elapsed
		metrics.Get().ObserveStage(res.Pipeline, stageKey(st), elapsed)

		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				err = fmt.Errorf("%w: %w", ErrCancelled, err)
			}
			err = &StageError{Stage: st, Err: err}
			res.fail(err)
			res.transition(StatusFailed)
			log.Error("stage failed", "stage", st, "error", err)
			return
		}
		log.Info("stage finished", "stage", st, "duration_sec", elapsed)
	}()
	return fn(ctx)
}

func stageKey(s Status) string {
	switch s {
	case StatusExtracting:
		return "extract"
	case StatusCleaning:
		return "clean"
	case StatusModeling:
		return "model"
	case StatusValidating:
		return "validate"
	case StatusWriting:
		return "write"
	}
	return string(s)
}

func (o *Orchestrator) extract(ctx context.Context, spec registry.Spec, params extract.Params) (*extract.Result, error) {
	opts := []extract.Option{
		extract.WithCache(o.cache),
		extract.WithCheckpoints(o.checkpoints),
		extract.WithLogger(logging.Component("extract").With("pipeline", spec.Name)),
	}
	if o.httpClient != nil {
		opts = append(opts, extract.WithHTTPClient(o.httpClient))
	}
	ex, err := spec.NewExtractor(opts...)
	if err != nil {
		return nil, fmt.Errorf("create extractor: %w", err)
	}
	result, err := ex.Extract(ctx, spec.DefaultParams.Merge(params))
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, errors.New("extractor returned no result")
	}
	return result, nil
}

// write persists the schema. Individual table failures become warnings;
// losing every table is an error.
func (o *Orchestrator) write(ctx context.Context, pipeline string, schema *model.Schema, res *PipelineResult) error {
	results := o.writer.Write(ctx, schema, pipeline)
	res.Tables = results

	names := make([]string, 0, len(results))
	for name := range results {
		names = append(names, name)
	}
	sort.Strings(names)

	failed := 0
	for _, name := range names {
		wr := results[name]
		if wr.Err != nil {
			failed++
			res.warn(wr.Err.Error())
			continue
		}
		res.TablesCreated = append(res.TablesCreated, name)
		res.TotalRows += wr.RowCount
	}
	if failed > 0 && failed == len(results) {
		return fmt.Errorf("all %d tables failed to write", failed)
	}
	return nil
}
