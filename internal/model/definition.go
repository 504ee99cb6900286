package model

import (
	"fmt"
	"strings"
)

// SCDType selects how dimension attribute changes are applied.
type SCDType int

const (
	// Type1 overwrites attributes in place.
	Type1 SCDType = 1
	// Type2 closes the current row and inserts a new version.
	Type2 SCDType = 2
)

// AggFunc aggregates measures over the fact grain.
type AggFunc string

const (
	AggNone AggFunc = ""
	AggSum  AggFunc = "sum"
	AggMin  AggFunc = "min"
	AggMax  AggFunc = "max"
	AggLast AggFunc = "last"
)

// DimensionSpec declares a dimension table.
type DimensionSpec struct {
	Name       string
	NaturalKey []string // cleaned columns forming the business key
	Attributes []string
	Tracked    []string // Type 2 change detection; defaults to Attributes
	SCD        SCDType  // defaults to Type1
	KeyColumn  string   // defaults to Name without "dim_" plus "_key"
	Explode    *ExplodeSpec
}

// ExplodeSpec derives a dimension from a list-valued column. The single
// NaturalKey column receives each item.
type ExplodeSpec struct {
	Column      string
	Separator   string            // defaults to ","
	LabelColumn string            // optional descriptive column
	Labels      map[string]string // item -> label
}

// FactDimension binds a fact (or bridge side) to a dimension. Lookup lists
// the cleaned columns matching the dimension's natural key, in order.
type FactDimension struct {
	Dimension string
	Lookup    []string
}

// FactSpec declares a fact table.
type FactSpec struct {
	Name       string
	Dimensions []FactDimension
	DateColumn string // timestamp column mapped to date_key
	Measures   []string
	Degenerate []string
	Aggregate  AggFunc
}

// BridgeSpec declares a bridge between a dimension and the items of a
// list-valued column.
type BridgeSpec struct {
	Name      string
	Left      FactDimension
	Right     string // dimension whose key the items map to
	Column    string
	Separator string
}

// Definition is the full star schema for one pipeline.
type Definition struct {
	Source        string
	Dimensions    []DimensionSpec
	Facts         []FactSpec
	Bridges       []BridgeSpec
	DateDimension bool
}

// DateDimensionName is the table produced when DateDimension is set.
const DateDimensionName = "dim_date"

// KeyColumnFor returns the surrogate key column of a dimension.
func (d DimensionSpec) KeyColumnFor() string {
	if d.KeyColumn != "" {
		return d.KeyColumn
	}
	return strings.TrimPrefix(d.Name, "dim_") + "_key"
}

func (d DimensionSpec) tracked() []string {
	if len(d.Tracked) > 0 {
		return d.Tracked
	}
	return d.Attributes
}

func (d DimensionSpec) scd() SCDType {
	if d.SCD == Type2 {
		return Type2
	}
	return Type1
}

func (e *ExplodeSpec) separator() string {
	if e == nil || e.Separator == "" {
		return ","
	}
	return e.Separator
}

// Validate checks the definition for internal consistency.
func (def Definition) Validate() error {
	dims := make(map[string]DimensionSpec)
	names := make(map[string]bool)
	claim := func(name string) error {
		if name == "" {
			return fmt.Errorf("table with empty name")
		}
		if names[name] {
			return fmt.Errorf("duplicate table %q", name)
		}
		names[name] = true
		return nil
	}

	for _, d := range def.Dimensions {
		if err := claim(d.Name); err != nil {
			return err
		}
		if len(d.NaturalKey) == 0 {
			return fmt.Errorf("dimension %s: no natural key", d.Name)
		}
		if d.Explode != nil {
			if d.Explode.Column == "" || len(d.NaturalKey) != 1 {
				return fmt.Errorf("dimension %s: exploded dimensions need a source column and one natural key column", d.Name)
			}
			if d.scd() == Type2 {
				return fmt.Errorf("dimension %s: exploded dimensions are Type 1", d.Name)
			}
		}
		dims[d.Name] = d
	}
	if def.DateDimension {
		if err := claim(DateDimensionName); err != nil {
			return err
		}
	}

	checkRef := func(owner string, fd FactDimension) error {
		d, ok := dims[fd.Dimension]
		if !ok {
			return fmt.Errorf("%s: unknown dimension %q", owner, fd.Dimension)
		}
		if len(fd.Lookup) != len(d.NaturalKey) {
			return fmt.Errorf("%s: lookup for %s has %d columns, natural key has %d",
				owner, fd.Dimension, len(fd.Lookup), len(d.NaturalKey))
		}
		return nil
	}

	for _, f := range def.Facts {
		if err := claim(f.Name); err != nil {
			return err
		}
		for _, fd := range f.Dimensions {
			if err := checkRef(f.Name, fd); err != nil {
				return err
			}
		}
		switch f.Aggregate {
		case AggNone, AggSum, AggMin, AggMax, AggLast:
		default:
			return fmt.Errorf("fact %s: unknown aggregate %q", f.Name, f.Aggregate)
		}
	}

	for _, b := range def.Bridges {
		if err := claim(b.Name); err != nil {
			return err
		}
		if err := checkRef(b.Name, b.Left); err != nil {
			return err
		}
		if _, ok := dims[b.Right]; !ok {
			return fmt.Errorf("%s: unknown dimension %q", b.Name, b.Right)
		}
		if b.Column == "" {
			return fmt.Errorf("%s: no list column", b.Name)
		}
	}
	return nil
}
