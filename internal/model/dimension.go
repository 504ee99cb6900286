package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/keys"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Stamp carries the per-run values written into modeled rows.
type Stamp struct {
	RunDate  time.Time // day granularity, UTC
	LoadedAt time.Time
	Source   string
}

// NewStamp builds a Stamp for a run starting at now.
func NewStamp(now time.Time, source string) Stamp {
	now = now.UTC()
	return Stamp{
		RunDate:  time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		LoadedAt: now,
		Source:   source,
	}
}

// index maps natural-key signatures to the current surrogate key of a dimension.
type index struct {
	keyColumn string
	current   map[string]string
}

func (ix *index) lookup(row table.Row, cols []string) (string, bool) {
	if ix == nil {
		return "", false
	}
	k, ok := ix.current[signature(values(row, cols))]
	return k, ok
}

func signature(vals []any) string {
	parts := make([]string, len(vals))
	for i, v := range vals {
		parts[i] = keys.Canonical(v)
	}
	return strings.Join(parts, "\x1f")
}

func values(row table.Row, cols []string) []any {
	out := make([]any, len(cols))
	for i, c := range cols {
		out[i] = row[c]
	}
	return out
}

// dimensionColumns lays out a dimension. typeOf resolves source column types.
func dimensionColumns(spec DimensionSpec, typeOf func(string) table.Type) []table.Column {
	cols := []table.Column{{Name: spec.KeyColumnFor(), Type: table.TypeString}}
	for _, c := range spec.NaturalKey {
		cols = append(cols, table.Column{Name: c, Type: typeOf(c)})
	}
	for _, c := range spec.Attributes {
		cols = append(cols, table.Column{Name: c, Type: typeOf(c)})
	}
	if spec.scd() == Type2 {
		cols = append(cols,
			table.Column{Name: ColEffectiveDate, Type: table.TypeTimestamp},
			table.Column{Name: ColEndDate, Type: table.TypeTimestamp},
			table.Column{Name: ColIsCurrent, Type: table.TypeBool},
		)
	}
	return append(cols,
		table.Column{Name: ColLoadedAt, Type: table.TypeTimestamp},
		table.Column{Name: ColSource, Type: table.TypeString},
	)
}

// inferTypes resolves column types from the first non-null value in rows.
func inferTypes(rows ...[]table.Row) func(string) table.Type {
	return func(col string) table.Type {
		for _, set := range rows {
			for _, r := range set {
				if v := r[col]; v != nil {
					return table.InferType(v)
				}
			}
		}
		return table.TypeString
	}
}

func conform(r table.Row, cols []table.Column) table.Row {
	out := make(table.Row, len(cols))
	for _, c := range cols {
		out[c.Name] = r[c.Name]
	}
	return out
}

func buildIndex(t *table.Table, spec DimensionSpec) *index {
	ix := &index{keyColumn: spec.KeyColumnFor(), current: make(map[string]string, t.Len())}
	type2 := spec.scd() == Type2
	for _, r := range t.Rows {
		if type2 && r[ColIsCurrent] != true {
			continue
		}
		if k, ok := r[ix.keyColumn].(string); ok {
			ix.current[signature(values(r, spec.NaturalKey))] = k
		}
	}
	return ix
}

// MergeType1 applies batch to prior with overwrite semantics: the last
// occurrence of each natural key wins and untouched prior rows are kept.
// Neither input is modified.
func MergeType1(prior *table.Table, batch []table.Row, spec DimensionSpec, st Stamp) *table.Table {
	var priorRows []table.Row
	if prior != nil {
		priorRows = prior.Rows
	}
	return mergeType1(prior, batch, spec, dimensionColumns(spec, inferTypes(batch, priorRows)), st)
}

func mergeType1(prior *table.Table, batch []table.Row, spec DimensionSpec, cols []table.Column, st Stamp) *table.Table {
	out := table.New(spec.Name, table.KindDimension, cols...)
	pos := make(map[string]int)
	put := func(sig string, row table.Row) {
		if i, ok := pos[sig]; ok {
			out.Rows[i] = row
			return
		}
		pos[sig] = len(out.Rows)
		out.Append(row)
	}

	if prior != nil {
		for _, r := range prior.Rows {
			put(signature(values(r, spec.NaturalKey)), conform(r, cols))
		}
	}

	keyCol := spec.KeyColumnFor()
	for _, r := range batch {
		nk := values(r, spec.NaturalKey)
		row := conform(r, cols)
		row[keyCol] = keys.Generate(spec.Name, nk...)
		row[ColLoadedAt] = st.LoadedAt
		row[ColSource] = st.Source
		put(signature(nk), row)
	}
	return out
}

// MergeType2 applies batch to prior with history-preserving semantics. Batch
// rows are applied in order:
//
//   - unknown natural key: insert a current row effective from the run date
//   - known key, tracked attributes unchanged: keep the current row untouched
//   - known key, tracked attributes changed: close the current row
//     (is_current=false, end_date=run date) and insert a new current row
//     under a new surrogate key
//
// Closed rows are never removed and at most one row per natural key is
// current afterwards. Neither input is modified.
func MergeType2(prior *table.Table, batch []table.Row, spec DimensionSpec, st Stamp) *table.Table {
	var priorRows []table.Row
	if prior != nil {
		priorRows = prior.Rows
	}
	spec.SCD = Type2
	return mergeType2(prior, batch, spec, dimensionColumns(spec, inferTypes(batch, priorRows)), st)
}

func mergeType2(prior *table.Table, batch []table.Row, spec DimensionSpec, cols []table.Column, st Stamp) *table.Table {
	out := table.New(spec.Name, table.KindDimension, cols...)
	keyCol := spec.KeyColumnFor()
	tracked := spec.tracked()
	current := make(map[string]int)
	used := make(map[string]bool)

	closeRow := func(i int) {
		out.Rows[i][ColIsCurrent] = false
		out.Rows[i][ColEndDate] = st.RunDate
	}

	if prior != nil {
		hasFlag := prior.HasColumn(ColIsCurrent)
		for _, r := range prior.Rows {
			row := conform(r, cols)
			if !hasFlag {
				row[ColIsCurrent] = true
			}
			if k, ok := row[keyCol].(string); ok {
				used[k] = true
			}
			out.Append(row)
			if row[ColIsCurrent] != true {
				continue
			}
			sig := signature(values(row, spec.NaturalKey))
			if i, dup := current[sig]; dup {
				// Repair a prior snapshot carrying two current versions.
				closeRow(i)
			}
			current[sig] = len(out.Rows) - 1
		}
	}

	for _, r := range batch {
		nk := values(r, spec.NaturalKey)
		sig := signature(nk)

		var key string
		if i, ok := current[sig]; ok {
			if sameValues(out.Rows[i], r, tracked) {
				continue
			}
			closeRow(i)
			key = versionKey(spec.Name, nk, st.RunDate, values(r, tracked), used)
		} else {
			key = keys.Generate(spec.Name, nk...)
			if used[key] {
				key = versionKey(spec.Name, nk, st.RunDate, values(r, tracked), used)
			}
		}

		row := conform(r, cols)
		row[keyCol] = key
		row[ColEffectiveDate] = st.RunDate
		row[ColEndDate] = nil
		row[ColIsCurrent] = true
		row[ColLoadedAt] = st.LoadedAt
		row[ColSource] = st.Source

		used[key] = true
		out.Append(row)
		current[sig] = len(out.Rows) - 1
	}
	return out
}

// versionKey derives the surrogate key of a new Type 2 version from the
// natural key, the run date and the tracked attribute values.
func versionKey(ns string, nk []any, runDate time.Time, tracked []any, used map[string]bool) string {
	vals := append(append([]any{}, nk...), runDate, keys.Generate("attrs", tracked...))
	key := keys.Generate(ns, vals...)
	for n := 1; used[key]; n++ {
		key = keys.Generate(ns, append(vals, n)...)
	}
	return key
}

func sameValues(a, b table.Row, cols []string) bool {
	for _, c := range cols {
		if !valueEqual(a[c], b[c]) {
			return false
		}
	}
	return true
}

func valueEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	if fa, ok := asFloat(a); ok {
		if fb, ok := asFloat(b); ok {
			return fa == fb
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

func asFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int64:
		return float64(x), true
	case int:
		return float64(x), true
	case int32:
		return float64(x), true
	}
	return 0, false
}

// splitList turns a list-valued cell into trimmed, non-empty items.
func splitList(v any, sep string) []string {
	var raw []string
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		raw = strings.Split(x, sep)
	case []any:
		for _, item := range x {
			if item != nil {
				raw = append(raw, keys.Canonical(item))
			}
		}
	case []string:
		raw = x
	default:
		raw = []string{fmt.Sprint(x)}
	}
	out := raw[:0:0]
	for _, item := range raw {
		if s := strings.TrimSpace(item); s != "" {
			out = append(out, s)
		}
	}
	return out
}
