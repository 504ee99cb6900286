// Package model converts cleaned tables into a star schema: dimensions with
// SCD Type 1 or Type 2 semantics, fact tables at a declared grain, and bridge
// tables for many-to-many relationships.
package model

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Standard columns added by the modeler.
const (
	ColEffectiveDate = "effective_date"
	ColEndDate       = "end_date"
	ColIsCurrent     = "is_current"
	ColLoadedAt      = "_loaded_at"
	ColSource        = "_source"
	ColIsOrphan      = "is_orphan"
	ColIsInvalid     = "is_invalid"
	ColDateKey       = "date_key"
)

// Transformer models a cleaned table into a star schema. prior holds the
// previously written dimension tables keyed by name; it may be nil.
type Transformer interface {
	Model(ctx context.Context, cleaned *table.Table, prior Snapshot) (*Schema, error)
}

// Snapshot is the prior run's dimension output.
type Snapshot map[string]*table.Table

// Schema is a modeled star schema.
type Schema struct {
	Dimensions map[string]*table.Table
	Facts      map[string]*table.Table
	Bridges    map[string]*table.Table
}

// NewSchema returns an empty schema.
func NewSchema() *Schema {
	return &Schema{
		Dimensions: make(map[string]*table.Table),
		Facts:      make(map[string]*table.Table),
		Bridges:    make(map[string]*table.Table),
	}
}

// Tables returns every table ordered by name.
func (s *Schema) Tables() []*table.Table {
	var out []*table.Table
	for _, group := range []map[string]*table.Table{s.Dimensions, s.Facts, s.Bridges} {
		for _, t := range group {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Table finds a table by name in any group.
func (s *Schema) Table(name string) (*table.Table, bool) {
	for _, group := range []map[string]*table.Table{s.Dimensions, s.Facts, s.Bridges} {
		if t, ok := group[name]; ok {
			return t, true
		}
	}
	return nil, false
}

// TotalRows sums rows over all tables.
func (s *Schema) TotalRows() int {
	n := 0
	for _, t := range s.Tables() {
		n += t.Len()
	}
	return n
}

// RowCounts maps table name to row count.
func (s *Schema) RowCounts() map[string]int {
	out := make(map[string]int)
	for _, t := range s.Tables() {
		out[t.Name] = t.Len()
	}
	return out
}

// Clone deep-copies the schema.
func (s *Schema) Clone() *Schema {
	out := NewSchema()
	for k, t := range s.Dimensions {
		out.Dimensions[k] = t.Clone()
	}
	for k, t := range s.Facts {
		out.Facts[k] = t.Clone()
	}
	for k, t := range s.Bridges {
		out.Bridges[k] = t.Clone()
	}
	return out
}

// SchemaDriftError reports required source columns missing from the cleaned
// table. It aborts the run.
type SchemaDriftError struct {
	Target  string
	Missing []string
}

func (e *SchemaDriftError) Error() string {
	return fmt.Sprintf("schema drift: %s requires missing columns [%s]", e.Target, strings.Join(e.Missing, ", "))
}
