package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboyajeffers/etl-framework/internal/audit"
	"github.com/mboyajeffers/etl-framework/internal/clean"
	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/metadata"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/quality"
	"github.com/mboyajeffers/etl-framework/internal/registry"
	"github.com/mboyajeffers/etl-framework/internal/storage"
	"github.com/mboyajeffers/etl-framework/internal/table"
	"github.com/mboyajeffers/etl-framework/internal/writer"
)

func itemRows(names map[string]string) []table.Row {
	var rows []table.Row
	for _, id := range []string{"a", "b", "c"} {
		rows = append(rows, table.Row{"id": id, "name": names[id], "price": 1.5})
	}
	return rows
}

func itemDefinition() model.Definition {
	return model.Definition{
		Source: "test",
		Dimensions: []model.DimensionSpec{
			{Name: "dim_item", NaturalKey: []string{"id"}, Attributes: []string{"name"}, SCD: model.Type2},
		},
		Facts: []model.FactSpec{{
			Name:       "fact_item_metrics",
			Dimensions: []model.FactDimension{{Dimension: "dim_item", Lookup: []string{"id"}}},
			Measures:   []string{"price"},
		}},
	}
}

func itemSpec(name string, records func() []table.Row) registry.Spec {
	return registry.Spec{
		Name:     name,
		Vertical: "test",
		NewExtractor: func(...extract.Option) (extract.Extractor, error) {
			return extract.Func{ExtractorName: name, Fn: func(ctx context.Context, _ extract.Params) (*extract.Result, error) {
				rows := records()
				return &extract.Result{Records: rows, Metadata: extract.Metadata{Source: "test", RecordCount: len(rows)}}, nil
			}}, nil
		},
		NewCleaner: func() (clean.Cleaner, error) {
			return clean.New(clean.Rules{
				Table: "items",
				Columns: []clean.ColumnRule{
					{Name: "id", Type: table.TypeString, Required: true},
					{Name: "name", Type: table.TypeString},
					{Name: "price", Type: table.TypeFloat},
				},
				DedupKey: []string{"id"},
			}), nil
		},
		NewTransformer: func() (model.Transformer, error) {
			return model.New(itemDefinition())
		},
		Gates: []quality.Gate{
			{Name: "referential_integrity", Check: quality.ReferentialIntegrity("fact_item_metrics"), Weight: 3, Severity: quality.Blocker, Threshold: 0.99},
			{Name: "scd_integrity", Check: quality.SCDIntegrity("dim_item", "id"), Weight: 2, Severity: quality.Blocker, Threshold: 1},
			{Name: "price_complete", Check: quality.Completeness("fact_item_metrics", "price"), Weight: 1, Severity: quality.Warn, Threshold: 0.95},
		},
	}
}

func staticItems() []table.Row {
	return itemRows(map[string]string{"a": "Alpha", "b": "Beta", "c": "Gamma"})
}

type fixture struct {
	reg     *registry.Registry
	store   storage.Store
	writer  *writer.Writer
	catalog *metadata.Memory
	orch    *Orchestrator
}

func newFixture(t *testing.T, env map[string]string, specs ...registry.Spec) *fixture {
	t.Helper()
	f := &fixture{
		reg:     registry.New(registry.WithEnv(func(k string) string { return env[k] })),
		store:   storage.NewMemStore(),
		catalog: metadata.NewMemory(),
	}
	for _, s := range specs {
		require.NoError(t, f.reg.Register(s))
	}
	f.writer = writer.New(f.store)
	f.orch = New(f.reg, WithWriter(f.writer), WithCatalog(f.catalog), WithWorkers(2))
	return f
}

func TestRunPipelineSucceeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, itemSpec("test.items", staticItems))

	res := f.orch.RunPipeline(ctx, "test.items", nil)
	require.Equal(t, StatusSucceeded, res.Status, "errors: %v warnings: %v", res.Errors, res.Warnings)
	assert.Equal(t, []Status{
		StatusPending, StatusExtracting, StatusCleaning, StatusModeling,
		StatusValidating, StatusWriting, StatusSucceeded,
	}, res.States)
	assert.Regexp(t, regexp.MustCompile(`^ETL-\d{14}-[0-9a-f]{8}$`), res.RunID)
	assert.Equal(t, 3, res.RecordsExtracted)
	assert.Equal(t, []string{"dim_item", "fact_item_metrics"}, res.TablesCreated)
	assert.Equal(t, int64(6), res.TotalRows)
	assert.InDelta(t, 1.0, res.QualityScore, 1e-9)
	assert.Empty(t, res.Errors)
	assert.NoError(t, res.Err)
	for _, k := range []string{"extract", "clean", "model", "validate", "write"} {
		assert.Contains(t, res.StageDurations, k)
	}

	for _, name := range res.TablesCreated {
		_, err := f.writer.Verify(ctx, "test.items", name)
		require.NoError(t, err, name)
	}

	raw, err := f.store.Get(ctx, "test.items/"+MetricsFile)
	require.NoError(t, err)
	var doc RunMetrics
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, res.RunID, doc.RunID)
	assert.Equal(t, StatusSucceeded, doc.Status)
	assert.Len(t, doc.QualityGates, 3)
	assert.True(t, doc.Passed)
	assert.Equal(t, int64(3), doc.RowCounts["dim_item"])

	raw, err = f.store.Get(ctx, RunsDir+"/"+res.RunID+".json")
	require.NoError(t, err)
	var stored map[string]any
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, "SUCCEEDED", stored["status"])
	assert.Equal(t, float64(3), stored["records_extracted"])

	run, ok := f.catalog.Run(res.RunID)
	require.True(t, ok)
	assert.Equal(t, "SUCCEEDED", run.Status)
	assert.Len(t, f.catalog.Tables[res.RunID], 2)
	assert.Len(t, f.catalog.Quality[res.RunID], 3)
}

func TestSecondRunMergesAgainstPriorSnapshot(t *testing.T) {
	ctx := context.Background()
	names := map[string]string{"a": "Alpha", "b": "Beta", "c": "Gamma"}
	f := newFixture(t, nil, itemSpec("test.items", func() []table.Row { return itemRows(names) }))

	first := f.orch.RunPipeline(ctx, "test.items", nil)
	require.True(t, first.Status.OK(), first.Errors)

	names["b"] = "Beta Prime"
	second := f.orch.RunPipeline(ctx, "test.items", nil)
	require.Equal(t, StatusSucceeded, second.Status, second.Errors)

	dim, err := f.writer.ReadTable(ctx, "test.items", "dim_item")
	require.NoError(t, err)
	assert.Equal(t, 4, dim.Len(), "closed history row must be kept")

	current := map[string]int{}
	for _, r := range dim.Rows {
		if r[model.ColIsCurrent] == true {
			current[r["id"].(string)]++
		}
		if r["id"] == "b" && r[model.ColIsCurrent] == true {
			assert.Equal(t, "Beta Prime", r["name"])
		}
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1, "c": 1}, current)
}

func TestEveryRunKeepsItsOwnMetrics(t *testing.T) {
	ctx := context.Background()
	names := map[string]string{"a": "Alpha", "b": "Beta", "c": "Gamma"}
	f := newFixture(t, nil, itemSpec("test.items", func() []table.Row { return itemRows(names) }))

	first := f.orch.RunPipeline(ctx, "test.items", nil)
	require.True(t, first.Status.OK(), first.Errors)
	names["b"] = "Beta Prime"
	second := f.orch.RunPipeline(ctx, "test.items", nil)
	require.True(t, second.Status.OK(), second.Errors)
	require.NotEqual(t, first.RunID, second.RunID)

	read := func(key string) RunMetrics {
		raw, err := f.store.Get(ctx, key)
		require.NoError(t, err, key)
		var doc RunMetrics
		require.NoError(t, json.Unmarshal(raw, &doc))
		return doc
	}

	one := read(RunMetricsKey(first.RunID))
	assert.Equal(t, first.RunID, one.RunID)
	assert.Equal(t, int64(3), one.RowCounts["dim_item"])
	assert.Len(t, one.QualityGates, 3)

	two := read(RunMetricsKey(second.RunID))
	assert.Equal(t, second.RunID, two.RunID)
	assert.Equal(t, int64(4), two.RowCounts["dim_item"])

	assert.Equal(t, second.RunID, read("test.items/"+MetricsFile).RunID)
}

// pagedItems serves five pages of ten items; page 3 answers 404.
func pagedItems(t *testing.T, calls *atomic.Int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if page == 3 {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		items := make([]map[string]any, 0, 10)
		for i := 0; i < 10; i++ {
			items = append(items, map[string]any{"id": fmt.Sprintf("p%d-%d", page, i), "name": "n", "price": float64(i)})
		}
		json.NewEncoder(w).Encode(map[string]any{"results": items, "total_pages": 5})
	}))
}

func TestPartialExtractionIsNotFatal(t *testing.T) {
	var calls atomic.Int32
	srv := pagedItems(t, &calls)
	defer srv.Close()

	spec := itemSpec("test.paged", nil)
	spec.NewExtractor = func(opts ...extract.Option) (extract.Extractor, error) {
		base := extract.NewBase(extract.Config{
			Name:           "test.paged",
			BaseURL:        srv.URL,
			MaxAttempts:    2,
			InitialBackoff: time.Millisecond,
			MaxBackoff:     time.Millisecond,
		}, opts...)
		return extract.NewPaged(base, extract.PagedSpec{
			Path:          "/items",
			PageParam:     "page",
			PageSizeParam: "per_page",
			PageSize:      10,
			TotalPages:    "total_pages",
			Records:       "results",
		}), nil
	}
	f := newFixture(t, nil, spec)

	res := f.orch.RunPipeline(context.Background(), "test.paged", nil)
	require.Equal(t, StatusSucceededWithWarnings, res.Status, res.Errors)
	assert.Equal(t, 20, res.RecordsExtracted)
	assert.NoError(t, res.Err)
	assert.NotEmpty(t, res.Warnings)
	assert.Contains(t, res.Warnings[0], "page 3")
	assert.Equal(t, int32(3), calls.Load(), "404 is not retried")
}

func TestBlockerGateFailsRunButStillWrites(t *testing.T) {
	spec := itemSpec("test.items", staticItems)
	spec.Gates = append(spec.Gates, quality.Gate{
		Name:      "always_zero",
		Check:     quality.CheckFunc(func(context.Context, *model.Schema) (float64, string, error) { return 0, "", nil }),
		Weight:    1,
		Severity:  quality.Blocker,
		Threshold: 0.5,
	})
	f := newFixture(t, nil, spec)

	res := f.orch.RunPipeline(context.Background(), "test.items", nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, StatusWriting, res.States[len(res.States)-2])
	assert.Equal(t, []string{"dim_item", "fact_item_metrics"}, res.TablesCreated)

	var blocker *quality.BlockerError
	require.ErrorAs(t, res.Err, &blocker)
	assert.Equal(t, []string{"always_zero"}, blocker.Gates)

	ok, err := f.store.Exists(context.Background(), "test.items/fact_item_metrics.parquet")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWarnGateSucceedsWithWarnings(t *testing.T) {
	spec := itemSpec("test.items", func() []table.Row {
		rows := staticItems()
		rows[0]["price"] = nil
		return rows
	})
	f := newFixture(t, nil, spec)

	res := f.orch.RunPipeline(context.Background(), "test.items", nil)
	assert.Equal(t, StatusSucceededWithWarnings, res.Status)
	require.Len(t, res.Warnings, 1)
	assert.Contains(t, res.Warnings[0], "price_complete")
	assert.Less(t, res.QualityScore, 1.0)
}

func TestUnknownPipelineFails(t *testing.T) {
	f := newFixture(t, nil)
	res := f.orch.RunPipeline(context.Background(), "missing", nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, registry.ErrUnknownPipeline)
	assert.NotEmpty(t, res.Errors)
}

func TestSchemaDriftFailsAtModeling(t *testing.T) {
	spec := itemSpec("test.items", func() []table.Row {
		return []table.Row{{"id": "a", "name": "x", "price": 1.0}}
	})
	spec.NewTransformer = func() (model.Transformer, error) {
		def := itemDefinition()
		def.Facts[0].Measures = []string{"price", "volume"}
		return model.New(def)
	}
	f := newFixture(t, nil, spec)

	res := f.orch.RunPipeline(context.Background(), "test.items", nil)
	assert.Equal(t, StatusFailed, res.Status)

	var stage *StageError
	require.ErrorAs(t, res.Err, &stage)
	assert.Equal(t, StatusModeling, stage.Stage)
	var drift *model.SchemaDriftError
	assert.ErrorAs(t, res.Err, &drift)
	assert.Empty(t, res.TablesCreated)
	assert.NotContains(t, res.States, StatusWriting)
}

func TestPanickingPluginIsRecovered(t *testing.T) {
	spec := itemSpec("test.items", staticItems)
	spec.NewCleaner = func() (clean.Cleaner, error) { panic("cleaner exploded") }
	f := newFixture(t, nil, spec)

	var res *PipelineResult
	require.NotPanics(t, func() { res = f.orch.RunPipeline(context.Background(), "test.items", nil) })
	assert.Equal(t, StatusFailed, res.Status)
	assert.Contains(t, res.Errors[0], "cleaner exploded")
}

func TestCancelledRunStopsBetweenStages(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	spec := itemSpec("test.items", func() []table.Row {
		cancel()
		return staticItems()
	})
	f := newFixture(t, nil, spec)

	res := f.orch.RunPipeline(ctx, "test.items", nil)
	assert.Equal(t, StatusFailed, res.Status)
	assert.ErrorIs(t, res.Err, ErrCancelled)
	assert.NotContains(t, res.States, StatusModeling)

	_, err := f.store.Get(context.Background(), RunsDir+"/"+res.RunID+".json")
	assert.NoError(t, err, "run record is persisted after cancellation")
}

func TestRunAllIsolatesFailures(t *testing.T) {
	failing := itemSpec("test.broken", staticItems)
	failing.NewExtractor = func(...extract.Option) (extract.Extractor, error) {
		return nil, errors.New("no upstream")
	}
	keyed := itemSpec("test.keyed", staticItems)
	keyed.RequiresAPIKey = "TEST_API_KEY"

	f := newFixture(t, map[string]string{},
		itemSpec("test.first", staticItems),
		failing,
		keyed,
		itemSpec("test.last", staticItems),
	)

	results := f.orch.RunAll(context.Background())
	require.Len(t, results, 4)

	got := make([]string, len(results))
	for i, r := range results {
		got[i] = r.Pipeline + "=" + string(r.Status)
	}
	assert.Equal(t, []string{
		"test.first=SUCCEEDED",
		"test.broken=FAILED",
		"test.keyed=SKIPPED",
		"test.last=SUCCEEDED",
	}, got)
	assert.Contains(t, results[1].Errors[0], "no upstream")
	assert.Contains(t, results[2].Errors[0], "TEST_API_KEY")
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, StatusSucceededWithWarnings.OK())
	assert.False(t, StatusSkipped.OK())
	assert.True(t, StatusSkipped.Terminal())
	assert.False(t, StatusWriting.Terminal())
}

func TestRunsAreAuditedAsAChain(t *testing.T) {
	dir := t.TempDir()
	emitter, err := audit.NewFileEmitter(dir)
	require.NoError(t, err)

	reg := registry.New()
	require.NoError(t, reg.Register(itemSpec("test.items", staticItems)))
	w := writer.New(storage.NewMemStore())
	orch := New(reg, WithWriter(w), WithAudit(emitter))

	ctx := context.Background()
	first := orch.RunPipeline(ctx, "test.items", nil)
	second := orch.RunPipeline(ctx, "test.items", nil)
	require.True(t, first.Status.OK())
	require.True(t, second.Status.OK())

	events, err := audit.ReadEvents(dir, "test.items")
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.NoError(t, audit.VerifyChain(events))

	for _, evt := range events {
		if evt.Run.RunID != second.RunID {
			continue
		}
		for _, name := range second.TablesCreated {
			assert.Equal(t, second.Tables[name].Checksum, evt.Tables[name].Checksum, name)
		}
	}
}
