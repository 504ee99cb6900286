package quality

import (
	"context"
	"fmt"
	"strings"

	"github.com/mboyajeffers/etl-framework/internal/keys"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

func lookup(schema *model.Schema, name string) (*table.Table, error) {
	t, ok := schema.Table(name)
	if !ok {
		return nil, fmt.Errorf("table %s not in schema", name)
	}
	return t, nil
}

// ratio returns good/total, treating an empty table as fully good.
func ratio(good, total int) float64 {
	if total == 0 {
		return 1
	}
	return float64(good) / float64(total)
}

// ReferentialIntegrity scores (total - orphaned) / total for a fact table.
func ReferentialIntegrity(fact string) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, fact)
		if err != nil {
			return 0, "", err
		}
		orphans := 0
		for _, r := range t.Rows {
			if r[model.ColIsOrphan] == true {
				orphans++
			}
		}
		return ratio(t.Len()-orphans, t.Len()), fmt.Sprintf("%d of %d fact rows orphaned", orphans, t.Len()), nil
	})
}

// Completeness scores the share of non-null cells across cols.
func Completeness(tableName string, cols ...string) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, tableName)
		if err != nil {
			return 0, "", err
		}
		for _, c := range cols {
			if !t.HasColumn(c) {
				return 0, "", fmt.Errorf("column %s.%s not found", tableName, c)
			}
		}
		cells, filled := 0, 0
		for _, r := range t.Rows {
			for _, c := range cols {
				cells++
				if r[c] != nil {
					filled++
				}
			}
		}
		return ratio(filled, cells), fmt.Sprintf("%d of %d cells populated", filled, cells), nil
	})
}

// Uniqueness scores distinct col tuples over rows. For Type 2 dimensions
// pass the surrogate key, not the natural key.
func Uniqueness(tableName string, cols ...string) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, tableName)
		if err != nil {
			return 0, "", err
		}
		seen := make(map[string]bool, t.Len())
		for _, r := range t.Rows {
			parts := make([]string, len(cols))
			for i, c := range cols {
				parts[i] = keys.Canonical(r[c])
			}
			seen[strings.Join(parts, "\x1f")] = true
		}
		return ratio(len(seen), t.Len()), fmt.Sprintf("%d distinct of %d rows", len(seen), t.Len()), nil
	})
}

// Validity scores 1 - share of rows flagged is_invalid.
func Validity(tableName string) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, tableName)
		if err != nil {
			return 0, "", err
		}
		invalid := 0
		for _, r := range t.Rows {
			if r[model.ColIsInvalid] == true {
				invalid++
			}
		}
		return ratio(t.Len()-invalid, t.Len()), fmt.Sprintf("%d of %d rows invalid", invalid, t.Len()), nil
	})
}

// SCDIntegrity scores the share of natural keys with at most one current row.
func SCDIntegrity(dimension string, naturalKey ...string) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, dimension)
		if err != nil {
			return 0, "", err
		}
		if !t.HasColumn(model.ColIsCurrent) {
			return 0, "", fmt.Errorf("%s is not a Type 2 dimension", dimension)
		}
		current := make(map[string]int)
		for _, r := range t.Rows {
			parts := make([]string, len(naturalKey))
			for i, c := range naturalKey {
				parts[i] = keys.Canonical(r[c])
			}
			sig := strings.Join(parts, "\x1f")
			if _, ok := current[sig]; !ok {
				current[sig] = 0
			}
			if r[model.ColIsCurrent] == true {
				current[sig]++
			}
		}
		ok := 0
		for _, n := range current {
			if n <= 1 {
				ok++
			}
		}
		return ratio(ok, len(current)), fmt.Sprintf("%d of %d natural keys consistent", ok, len(current)), nil
	})
}

// RowCount scores 1 when the table has at least minRows rows, else the fraction reached.
func RowCount(tableName string, minRows int) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, tableName)
		if err != nil {
			return 0, "", err
		}
		detail := fmt.Sprintf("%d rows (minimum %d)", t.Len(), minRows)
		if minRows <= 0 || t.Len() >= minRows {
			return 1, detail, nil
		}
		return float64(t.Len()) / float64(minRows), detail, nil
	})
}

// Range scores the share of non-null numeric values within [lo, hi].
func Range(tableName, col string, lo, hi float64) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, tableName)
		if err != nil {
			return 0, "", err
		}
		total, in := 0, 0
		for _, r := range t.Rows {
			var f float64
			switch v := r[col].(type) {
			case nil:
				continue
			case float64:
				f = v
			case int64:
				f = float64(v)
			default:
				total++
				continue
			}
			total++
			if f >= lo && f <= hi {
				in++
			}
		}
		return ratio(in, total), fmt.Sprintf("%d of %d values within [%g, %g]", in, total, lo, hi), nil
	})
}

// KeyFormat scores the share of well-formed surrogate keys in col. Null keys
// count as malformed.
func KeyFormat(tableName, col string) Check {
	return CheckFunc(func(ctx context.Context, schema *model.Schema) (float64, string, error) {
		t, err := lookup(schema, tableName)
		if err != nil {
			return 0, "", err
		}
		good := 0
		for _, r := range t.Rows {
			if s, ok := r[col].(string); ok && keys.Valid(s) {
				good++
			}
		}
		return ratio(good, t.Len()), fmt.Sprintf("%d of %d keys well-formed", good, t.Len()), nil
	})
}
