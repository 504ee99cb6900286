// Package table holds the in-memory tabular form that flows between the
// extract, clean, model and write stages.
//
// Cell values are limited to nil, string, int64, float64, bool and time.Time.
// Raw extractor rows may carry anything JSON decoding produces until the
// cleaner coerces them.
package table

import (
	"sort"
	"time"
)

// Type is a logical column type.
type Type string

const (
	TypeString    Type = "string"
	TypeInt       Type = "int64"
	TypeFloat     Type = "float64"
	TypeBool      Type = "bool"
	TypeTimestamp Type = "timestamp"
)

// Kind classifies a table within a modeled schema.
type Kind string

const (
	KindCleaned   Kind = "cleaned"
	KindDimension Kind = "dimension"
	KindFact      Kind = "fact"
	KindBridge    Kind = "bridge"
)

// Column describes one column of a table.
type Column struct {
	Name string `json:"name"`
	Type Type   `json:"type"`
}

// Row maps column names to values. A missing key and a nil value both mean null.
type Row map[string]any

// Clone returns a shallow copy of the row. Values are immutable scalars.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Table is a named, typed set of rows.
type Table struct {
	Name    string
	Kind    Kind
	Columns []Column
	Rows    []Row
}

// New creates an empty table with the given columns.
func New(name string, kind Kind, cols ...Column) *Table {
	return &Table{Name: name, Kind: kind, Columns: append([]Column(nil), cols...)}
}

// Len returns the number of rows.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

// Append adds a row.
func (t *Table) Append(r Row) {
	t.Rows = append(t.Rows, r)
}

// Column looks up a column by name.
func (t *Table) Column(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// HasColumn reports whether the table declares the column.
func (t *Table) HasColumn(name string) bool {
	_, ok := t.Column(name)
	return ok
}

// AddColumn declares a column if it is not declared yet.
func (t *Table) AddColumn(c Column) {
	if !t.HasColumn(c.Name) {
		t.Columns = append(t.Columns, c)
	}
}

// ColumnNames returns declared column names in declaration order.
func (t *Table) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Values returns the column's values in row order.
func (t *Table) Values(col string) []any {
	out := make([]any, len(t.Rows))
	for i, r := range t.Rows {
		out[i] = r[col]
	}
	return out
}

// Clone deep-copies the table structure and rows.
func (t *Table) Clone() *Table {
	if t == nil {
		return nil
	}
	out := &Table{
		Name:    t.Name,
		Kind:    t.Kind,
		Columns: append([]Column(nil), t.Columns...),
		Rows:    make([]Row, len(t.Rows)),
	}
	for i, r := range t.Rows {
		out.Rows[i] = r.Clone()
	}
	return out
}

// SortedColumns returns the columns ordered by name.
func (t *Table) SortedColumns() []Column {
	cols := append([]Column(nil), t.Columns...)
	sort.Slice(cols, func(i, j int) bool { return cols[i].Name < cols[j].Name })
	return cols
}

// IsNull reports whether v is the canonical null.
func IsNull(v any) bool {
	return v == nil
}

// InferType guesses the logical type of a cleaned value.
func InferType(v any) Type {
	switch v.(type) {
	case int, int32, int64:
		return TypeInt
	case float32, float64:
		return TypeFloat
	case bool:
		return TypeBool
	case time.Time:
		return TypeTimestamp
	default:
		return TypeString
	}
}
