package model

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Modeler is the declarative Transformer.
type Modeler struct {
	def Definition
	now func() time.Time
	log *slog.Logger
}

// Option customizes a Modeler.
type Option func(*Modeler)

// WithClock sets the clock used for the run date and load timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Modeler) { m.now = now }
}

// New validates def and returns a Modeler.
func New(def Definition, opts ...Option) (*Modeler, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid model definition: %w", err)
	}
	m := &Modeler{def: def, now: time.Now, log: slog.With("component", "model", "source", def.Source)}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Definition returns the star schema definition.
func (m *Modeler) Definition() Definition { return m.def }

// PriorTables names the dimensions that merge against a prior snapshot.
func (m *Modeler) PriorTables() []string {
	names := make([]string, 0, len(m.def.Dimensions))
	for _, d := range m.def.Dimensions {
		names = append(names, d.Name)
	}
	return names
}

// Model builds the star schema from cleaned. Type 2 dimensions merge against
// their table in prior; prior is never modified.
func (m *Modeler) Model(ctx context.Context, cleaned *table.Table, prior Snapshot) (*Schema, error) {
	if cleaned == nil {
		return nil, fmt.Errorf("model: no cleaned table")
	}
	if err := m.checkColumns(cleaned); err != nil {
		return nil, err
	}

	st := NewStamp(m.now(), m.def.Source)
	typeOf := func(col string) table.Type { return columnOf(cleaned, col).Type }
	schema := NewSchema()
	indexes := make(map[string]*index, len(m.def.Dimensions))
	specs := make(map[string]DimensionSpec, len(m.def.Dimensions))

	for _, spec := range m.def.Dimensions {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		dim := m.buildDimension(spec, cleaned, prior[spec.Name], st, typeOf)
		schema.Dimensions[spec.Name] = dim
		indexes[spec.Name] = buildIndex(dim, spec)
		specs[spec.Name] = spec
	}

	var dates []time.Time
	for _, spec := range m.def.Facts {
		fact, seen := buildFact(spec, cleaned, indexes, st, m.def.DateDimension)
		schema.Facts[spec.Name] = fact
		dates = append(dates, seen...)

		orphans := 0
		for _, r := range fact.Rows {
			if r[ColIsOrphan] == true {
				orphans++
			}
		}
		if orphans > 0 {
			m.log.Warn("fact rows with unresolved dimension keys", "fact", spec.Name, "orphans", orphans, "rows", fact.Len())
		}
	}

	for _, spec := range m.def.Bridges {
		bridge, unresolved := buildBridge(spec, cleaned, indexes, specs[spec.Right])
		schema.Bridges[spec.Name] = bridge
		if unresolved > 0 {
			m.log.Warn("bridge rows skipped without a left key", "bridge", spec.Name, "rows", unresolved)
		}
	}

	if m.def.DateDimension {
		schema.Dimensions[DateDimensionName] = BuildDateDimension(dates)
	}

	m.log.Debug("modeled star schema", "tables", len(schema.Tables()), "rows", schema.TotalRows())
	return schema, nil
}

func (m *Modeler) buildDimension(spec DimensionSpec, cleaned *table.Table, prior *table.Table, st Stamp, typeOf func(string) table.Type) *table.Table {
	if spec.Explode != nil {
		return m.buildExploded(spec, cleaned, prior, st)
	}

	batch := cleaned.Rows
	cols := dimensionColumns(spec, typeOf)
	if spec.scd() == Type2 {
		return mergeType2(prior, batch, spec, cols, st)
	}
	return mergeType1(prior, batch, spec, cols, st)
}

func (m *Modeler) buildExploded(spec DimensionSpec, cleaned *table.Table, prior *table.Table, st Stamp) *table.Table {
	ex := spec.Explode
	nkCol := spec.NaturalKey[0]
	derived := spec
	derived.Attributes = nil
	if ex.LabelColumn != "" {
		derived.Attributes = []string{ex.LabelColumn}
	}

	seen := make(map[string]bool)
	var batch []table.Row
	for _, r := range cleaned.Rows {
		for _, item := range splitList(r[ex.Column], ex.separator()) {
			if seen[item] {
				continue
			}
			seen[item] = true
			row := table.Row{nkCol: item}
			if ex.LabelColumn != "" {
				if label, ok := ex.Labels[item]; ok {
					row[ex.LabelColumn] = label
				} else {
					row[ex.LabelColumn] = nil
				}
			}
			batch = append(batch, row)
		}
	}
	cols := dimensionColumns(derived, func(string) table.Type { return table.TypeString })
	return mergeType1(prior, batch, derived, cols, st)
}

// checkColumns reports every required column missing from cleaned. Missing
// dimension attributes are only logged.
func (m *Modeler) checkColumns(cleaned *table.Table) error {
	var drift []string
	var firstTarget string
	require := func(target string, cols ...string) {
		for _, c := range cols {
			if c != "" && !cleaned.HasColumn(c) {
				if firstTarget == "" {
					firstTarget = target
				}
				drift = append(drift, target+"."+c)
			}
		}
	}

	for _, d := range m.def.Dimensions {
		if d.Explode != nil {
			require(d.Name, d.Explode.Column)
			continue
		}
		require(d.Name, d.NaturalKey...)
		for _, a := range d.Attributes {
			if !cleaned.HasColumn(a) {
				m.log.Warn("dimension attribute missing from source; modeled as null", "dimension", d.Name, "column", a)
			}
		}
	}
	for _, f := range m.def.Facts {
		for _, fd := range f.Dimensions {
			require(f.Name, fd.Lookup...)
		}
		require(f.Name, f.DateColumn)
		require(f.Name, f.Measures...)
		require(f.Name, f.Degenerate...)
	}
	for _, b := range m.def.Bridges {
		require(b.Name, b.Left.Lookup...)
		require(b.Name, b.Column)
	}

	if len(drift) > 0 {
		err := &SchemaDriftError{Target: firstTarget, Missing: drift}
		m.log.Error("schema drift detected", "error", err)
		return err
	}
	return nil
}
