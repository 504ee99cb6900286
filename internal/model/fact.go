package model

import (
	"time"

	"github.com/mboyajeffers/etl-framework/internal/keys"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

// buildFact joins cleaned rows to the current key of each referenced
// dimension. Rows whose join fails keep a null foreign key and is_orphan.
// It returns the table and the distinct dates seen.
func buildFact(spec FactSpec, cleaned *table.Table, dims map[string]*index, st Stamp, dateDim bool) (*table.Table, []time.Time) {
	out := table.New(spec.Name, table.KindFact)
	for _, fd := range spec.Dimensions {
		out.AddColumn(table.Column{Name: dims[fd.Dimension].keyColumn, Type: table.TypeString})
	}
	if spec.DateColumn != "" {
		out.AddColumn(table.Column{Name: ColDateKey, Type: table.TypeInt})
	}
	for _, c := range spec.Degenerate {
		out.AddColumn(columnOf(cleaned, c))
	}
	for _, c := range spec.Measures {
		out.AddColumn(columnOf(cleaned, c))
	}
	out.AddColumn(table.Column{Name: ColIsOrphan, Type: table.TypeBool})
	out.AddColumn(table.Column{Name: ColIsInvalid, Type: table.TypeBool})
	out.AddColumn(table.Column{Name: ColLoadedAt, Type: table.TypeTimestamp})

	seenDates := make(map[int64]bool)
	var dates []time.Time

	for _, r := range cleaned.Rows {
		row := make(table.Row, len(out.Columns))
		orphan := false
		for _, fd := range spec.Dimensions {
			ix := dims[fd.Dimension]
			if k, ok := ix.lookup(r, fd.Lookup); ok {
				row[ix.keyColumn] = k
			} else {
				row[ix.keyColumn] = nil
				orphan = true
			}
		}
		if spec.DateColumn != "" {
			if ts, ok := r[spec.DateColumn].(time.Time); ok {
				dk := keys.DateKey(ts)
				row[ColDateKey] = dk
				if !seenDates[dk] {
					seenDates[dk] = true
					u := ts.UTC()
					dates = append(dates, time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC))
				}
			} else {
				row[ColDateKey] = nil
				if dateDim {
					orphan = true
				}
			}
		}
		for _, c := range spec.Degenerate {
			row[c] = r[c]
		}
		for _, c := range spec.Measures {
			row[c] = r[c]
		}
		row[ColIsOrphan] = orphan
		row[ColIsInvalid] = r[ColIsInvalid] == true
		row[ColLoadedAt] = st.LoadedAt
		out.Append(row)
	}

	if spec.Aggregate != AggNone {
		out.Rows = aggregate(out, spec)
	}
	return out, dates
}

func columnOf(t *table.Table, name string) table.Column {
	if c, ok := t.Column(name); ok {
		return c
	}
	return table.Column{Name: name, Type: table.TypeString}
}

// aggregate collapses rows sharing the grain (foreign keys, date key and
// degenerate columns). Flags are OR-ed.
func aggregate(t *table.Table, spec FactSpec) []table.Row {
	measures := make(map[string]bool, len(spec.Measures))
	for _, m := range spec.Measures {
		measures[m] = true
	}
	var grain []string
	for _, c := range t.Columns {
		switch {
		case measures[c.Name], c.Name == ColIsOrphan, c.Name == ColIsInvalid, c.Name == ColLoadedAt:
		default:
			grain = append(grain, c.Name)
		}
	}

	pos := make(map[string]int)
	var out []table.Row
	for _, r := range t.Rows {
		sig := signature(values(r, grain))
		i, ok := pos[sig]
		if !ok {
			pos[sig] = len(out)
			out = append(out, r.Clone())
			continue
		}
		acc := out[i]
		for _, m := range spec.Measures {
			acc[m] = combine(spec.Aggregate, acc[m], r[m])
		}
		acc[ColIsOrphan] = acc[ColIsOrphan] == true || r[ColIsOrphan] == true
		acc[ColIsInvalid] = acc[ColIsInvalid] == true || r[ColIsInvalid] == true
	}
	return out
}

func combine(fn AggFunc, acc, v any) any {
	if fn == AggLast {
		if v == nil {
			return acc
		}
		return v
	}
	if v == nil {
		return acc
	}
	if acc == nil {
		return v
	}
	ai, aInt := acc.(int64)
	vi, vInt := v.(int64)
	if aInt && vInt {
		switch fn {
		case AggSum:
			return ai + vi
		case AggMin:
			return min(ai, vi)
		case AggMax:
			return max(ai, vi)
		}
	}
	af, ok1 := asFloat(acc)
	vf, ok2 := asFloat(v)
	if !ok1 || !ok2 {
		return v
	}
	switch fn {
	case AggSum:
		return af + vf
	case AggMin:
		return min(af, vf)
	case AggMax:
		return max(af, vf)
	}
	return v
}
