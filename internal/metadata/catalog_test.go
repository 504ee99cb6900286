package metadata

import (
	"context"
	"testing"
)

func TestNewCatalogWithoutDSNIsNoop(t *testing.T) {
	c, err := NewCatalog(context.Background(), CatalogConfig{})
	if err != nil {
		t.Fatalf("NewCatalog failed: %v", err)
	}
	if err := c.RecordRun(context.Background(), RunRecord{RunID: "r"}); err != nil {
		t.Errorf("noop RecordRun returned %v", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("noop Close returned %v", err)
	}
}

func TestNewCatalogRejectsBadDSN(t *testing.T) {
	if _, err := NewCatalog(context.Background(), CatalogConfig{PostgresDSN: "postgres://%zz"}); err == nil {
		t.Fatal("expected error for malformed DSN")
	}
}

func TestMemoryCatalog(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	if err := m.RecordRun(ctx, RunRecord{RunID: "r1", Pipeline: "p", Status: "SUCCEEDED"}); err != nil {
		t.Fatal(err)
	}
	recs := []TableRecord{{Table: "dim_a", RowCount: 3}}
	if err := m.RecordTables(ctx, "r1", recs); err != nil {
		t.Fatal(err)
	}
	recs[0].RowCount = 99
	if err := m.RecordQuality(ctx, "r1", []QualityRecord{{Gate: "ri", Passed: true}}); err != nil {
		t.Fatal(err)
	}

	run, ok := m.Run("r1")
	if !ok || run.Status != "SUCCEEDED" {
		t.Fatalf("Run(r1) = %+v, %v", run, ok)
	}
	if got := m.Tables["r1"][0].RowCount; got != 3 {
		t.Errorf("stored table record aliased caller slice: row count %d", got)
	}
	if len(m.Quality["r1"]) != 1 {
		t.Errorf("expected 1 quality record, got %d", len(m.Quality["r1"]))
	}
}
