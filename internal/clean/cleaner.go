// Package clean implements the cleaning stage: type coercion, null
// normalization and duplicate handling over raw extractor rows.
package clean

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/keys"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Flag columns added to every cleaned table.
const (
	ColInvalid       = "is_invalid"
	ColInvalidReason = "_invalid_reason"
	ColDuplicate     = "is_duplicate"
)

// Cleaner turns raw records into a typed table.
type Cleaner interface {
	Clean(ctx context.Context, raw []table.Row) (*table.Table, error)
}

// DedupMode selects how rows sharing a dedup key are handled.
type DedupMode string

const (
	// DedupFlag keeps every row and marks repeats with is_duplicate.
	DedupFlag DedupMode = "flag"
	// DedupKeepLast keeps only the last row per key.
	DedupKeepLast DedupMode = "keep_last"
)

// ColumnRule declares one output column.
type ColumnRule struct {
	Name     string
	Source   string // raw field name; defaults to Name
	Type     table.Type
	Required bool
}

// Rules configures a RuleCleaner.
type Rules struct {
	Table      string
	Columns    []ColumnRule
	DedupKey   []string
	DedupMode  DedupMode
	NullTokens []string // overrides DefaultNullTokens
}

// RuleCleaner is the declarative Cleaner used by every vertical.
type RuleCleaner struct {
	rules Rules
	nulls map[string]bool
	log   *slog.Logger
}

// New creates a RuleCleaner.
func New(rules Rules) *RuleCleaner {
	if rules.DedupMode == "" {
		rules.DedupMode = DedupFlag
	}
	if rules.Table == "" {
		rules.Table = "cleaned"
	}
	tokens := rules.NullTokens
	if tokens == nil {
		tokens = DefaultNullTokens
	}
	nulls := make(map[string]bool, len(tokens))
	for _, tok := range tokens {
		nulls[strings.ToLower(strings.TrimSpace(tok))] = true
	}
	return &RuleCleaner{rules: rules, nulls: nulls, log: slog.With("component", "clean", "table", rules.Table)}
}

// IsNullToken reports whether v is a null sentinel.
func (c *RuleCleaner) IsNullToken(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return c.nulls[strings.ToLower(strings.TrimSpace(x))]
	case float64:
		return math.IsNaN(x)
	}
	return false
}

// Clean coerces, normalizes and deduplicates raw. Rows that fail coercion are
// kept with is_invalid set.
func (c *RuleCleaner) Clean(ctx context.Context, raw []table.Row) (*table.Table, error) {
	if len(c.rules.Columns) == 0 {
		return nil, fmt.Errorf("clean %s: no columns declared", c.rules.Table)
	}
	for _, k := range c.rules.DedupKey {
		if !c.declared(k) {
			return nil, fmt.Errorf("clean %s: dedup key %q is not a declared column", c.rules.Table, k)
		}
	}

	out := table.New(c.rules.Table, table.KindCleaned)
	for _, col := range c.rules.Columns {
		out.AddColumn(table.Column{Name: col.Name, Type: col.Type})
	}
	out.AddColumn(table.Column{Name: ColInvalid, Type: table.TypeBool})
	out.AddColumn(table.Column{Name: ColInvalidReason, Type: table.TypeString})
	out.AddColumn(table.Column{Name: ColDuplicate, Type: table.TypeBool})

	exact := make(map[string]bool, len(raw))
	seenKey := make(map[string]int)
	var invalid, exactDups int

	for _, r := range raw {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row, reasons := c.cleanRow(r)
		if len(reasons) > 0 {
			row[ColInvalid] = true
			row[ColInvalidReason] = strings.Join(reasons, ";")
			invalid++
		} else {
			row[ColInvalid] = false
			row[ColInvalidReason] = nil
		}
		row[ColDuplicate] = false

		// Invalid rows skip deduplication. Their failed values are already
		// nil, so distinct raw inputs would otherwise collapse into one row.
		if len(reasons) > 0 {
			out.Append(row)
			continue
		}

		sig := exactSignature(row, c.columnNames())
		if exact[sig] {
			exactDups++
			continue
		}
		exact[sig] = true

		if len(c.rules.DedupKey) > 0 {
			k := c.signature(row, c.rules.DedupKey)
			if _, dup := seenKey[k]; dup && c.rules.DedupMode == DedupFlag {
				row[ColDuplicate] = true
			}
			seenKey[k] = len(out.Rows)
		}
		out.Append(row)
	}

	if c.rules.DedupMode == DedupKeepLast && len(c.rules.DedupKey) > 0 {
		kept := out.Rows[:0:0]
		for i, row := range out.Rows {
			if row[ColInvalid] == true || seenKey[c.signature(row, c.rules.DedupKey)] == i {
				kept = append(kept, row)
			}
		}
		out.Rows = kept
	}

	c.log.Debug("cleaned records",
		"raw", len(raw), "rows", out.Len(), "invalid", invalid, "exact_duplicates", exactDups)
	return out, nil
}

func (c *RuleCleaner) cleanRow(r table.Row) (table.Row, []string) {
	row := make(table.Row, len(c.rules.Columns)+3)
	var reasons []string
	for _, col := range c.rules.Columns {
		src := col.Source
		if src == "" {
			src = col.Name
		}
		v := r[src]
		if c.IsNullToken(v) {
			row[col.Name] = nil
			if col.Required {
				reasons = append(reasons, col.Name+": required")
			}
			continue
		}
		cv, err := Coerce(v, col.Type)
		if err != nil {
			row[col.Name] = nil
			reasons = append(reasons, fmt.Sprintf("%s: %v", col.Name, err))
			continue
		}
		if s, ok := cv.(string); ok && c.IsNullToken(s) {
			cv = nil
			if col.Required {
				reasons = append(reasons, col.Name+": required")
			}
		}
		row[col.Name] = cv
	}
	return row, reasons
}

// exactSignature compares values verbatim, unlike the dedup key which uses
// the surrogate-key canonical form.
func exactSignature(row table.Row, cols []string) string {
	var b strings.Builder
	for _, col := range cols {
		switch v := row[col].(type) {
		case nil:
			b.WriteString("\x00")
		case time.Time:
			b.WriteString(v.UTC().Format(time.RFC3339Nano))
		default:
			fmt.Fprintf(&b, "%T:%v", v, v)
		}
		b.WriteString("\x1f")
	}
	return b.String()
}

func (c *RuleCleaner) signature(row table.Row, cols []string) string {
	parts := make([]string, len(cols))
	for i, col := range cols {
		parts[i] = keys.Canonical(row[col])
	}
	return strings.Join(parts, "\x1f")
}

func (c *RuleCleaner) columnNames() []string {
	names := make([]string, len(c.rules.Columns))
	for i, col := range c.rules.Columns {
		names[i] = col.Name
	}
	return names
}

func (c *RuleCleaner) declared(name string) bool {
	for _, col := range c.rules.Columns {
		if col.Name == name {
			return true
		}
	}
	return false
}
