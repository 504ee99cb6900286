// Package tables encodes in-memory tables to parquet and back.
//
// Every column is written as an optional leaf so nulls survive the round
// trip. Timestamps are stored as microseconds since the epoch in UTC.
package tables

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Compression is the codec name recorded in table metadata.
const Compression = "snappy"

// SchemaVersion is bumped on breaking changes to the encoding.
const SchemaVersion = "1.0.0"

// Metadata keys stored in the parquet footer.
const (
	metaTable = "etl.table"
	metaKind  = "etl.kind"
)

var errNoColumns = errors.New("table has no columns")

// leafType returns the logical column type, inferring from data when unset.
func leafType(t *table.Table, c table.Column) table.Type {
	if c.Type != "" {
		return c.Type
	}
	for _, r := range t.Rows {
		if v := r[c.Name]; v != nil {
			return table.InferType(v)
		}
	}
	return table.TypeString
}

func node(typ table.Type) parquet.Node {
	var n parquet.Node
	switch typ {
	case table.TypeInt:
		n = parquet.Int(64)
	case table.TypeFloat:
		n = parquet.Leaf(parquet.DoubleType)
	case table.TypeBool:
		n = parquet.Leaf(parquet.BooleanType)
	case table.TypeTimestamp:
		n = parquet.Timestamp(parquet.Microsecond)
	default:
		n = parquet.String()
	}
	return parquet.Optional(n)
}

// Schema builds the parquet schema for t together with the column types in
// leaf order.
func Schema(t *table.Table) (*parquet.Schema, []table.Column, error) {
	if len(t.Columns) == 0 {
		return nil, nil, fmt.Errorf("encode %s: %w", t.Name, errNoColumns)
	}
	group := make(parquet.Group, len(t.Columns))
	types := make(map[string]table.Type, len(t.Columns))
	for _, c := range t.Columns {
		typ := leafType(t, c)
		group[c.Name] = node(typ)
		types[c.Name] = typ
	}
	schema := parquet.NewSchema(t.Name, group)

	cols := make([]table.Column, 0, len(t.Columns))
	for _, path := range schema.Columns() {
		name := path[len(path)-1]
		cols = append(cols, table.Column{Name: name, Type: types[name]})
	}
	return schema, cols, nil
}

// Encode serializes t as a snappy-compressed parquet file.
func Encode(t *table.Table) ([]byte, error) {
	schema, cols, err := Schema(t)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := parquet.NewWriter(&buf, schema,
		parquet.Compression(&parquet.Snappy),
		parquet.KeyValueMetadata(metaTable, t.Name),
		parquet.KeyValueMetadata(metaKind, string(t.Kind)),
	)

	rows := make([]parquet.Row, 0, len(t.Rows))
	for i, r := range t.Rows {
		row := make(parquet.Row, len(cols))
		for j, c := range cols {
			v, err := toValue(r[c.Name], c.Type)
			if err != nil {
				return nil, fmt.Errorf("encode %s row %d column %s: %w", t.Name, i, c.Name, err)
			}
			if v.IsNull() {
				row[j] = v.Level(0, 0, j)
			} else {
				row[j] = v.Level(0, 1, j)
			}
		}
		rows = append(rows, row)
	}
	if _, err := w.WriteRows(rows); err != nil {
		return nil, fmt.Errorf("write rows %s: %w", t.Name, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close writer %s: %w", t.Name, err)
	}
	return buf.Bytes(), nil
}

func toValue(v any, typ table.Type) (parquet.Value, error) {
	if table.IsNull(v) {
		return parquet.NullValue(), nil
	}
	switch typ {
	case table.TypeInt:
		switch n := v.(type) {
		case int64:
			return parquet.Int64Value(n), nil
		case int:
			return parquet.Int64Value(int64(n)), nil
		case int32:
			return parquet.Int64Value(int64(n)), nil
		case float64:
			if n == math.Trunc(n) && n >= -(1<<63) && n < 1<<63 {
				return parquet.Int64Value(int64(n)), nil
			}
		}
	case table.TypeFloat:
		switch n := v.(type) {
		case float64:
			return parquet.DoubleValue(n), nil
		case float32:
			return parquet.DoubleValue(float64(n)), nil
		case int64:
			return parquet.DoubleValue(float64(n)), nil
		case int:
			return parquet.DoubleValue(float64(n)), nil
		}
	case table.TypeBool:
		if b, ok := v.(bool); ok {
			return parquet.BooleanValue(b), nil
		}
	case table.TypeTimestamp:
		if ts, ok := v.(time.Time); ok {
			return parquet.Int64Value(ts.UTC().UnixMicro()), nil
		}
	default:
		switch s := v.(type) {
		case string:
			return parquet.ByteArrayValue([]byte(s)), nil
		case time.Time:
			return parquet.ByteArrayValue([]byte(s.UTC().Format(time.RFC3339Nano))), nil
		default:
			return parquet.ByteArrayValue([]byte(fmt.Sprint(s))), nil
		}
	}
	return parquet.Value{}, fmt.Errorf("value %v (%T) does not fit %s", v, v, typ)
}

// Decode reads a parquet file produced by Encode back into rows. Column types
// come from cols; columns missing from cols are decoded by physical kind.
func Decode(data []byte, cols []table.Column) ([]table.Row, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open parquet: %w", err)
	}

	types := make(map[string]table.Type, len(cols))
	for _, c := range cols {
		types[c.Name] = c.Type
	}
	paths := f.Schema().Columns()
	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = p[len(p)-1]
	}

	r := parquet.NewReader(bytes.NewReader(data), f.Schema())
	defer r.Close()

	out := make([]table.Row, 0, f.NumRows())
	buf := make([]parquet.Row, 128)
	for {
		n, err := r.ReadRows(buf)
		for _, pr := range buf[:n] {
			row := make(table.Row, len(names))
			for _, v := range pr {
				idx := v.Column()
				if idx < 0 || idx >= len(names) {
					continue
				}
				row[names[idx]] = fromValue(v, types[names[idx]])
			}
			out = append(out, row)
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read rows: %w", err)
		}
		if n == 0 {
			break
		}
	}
	return out, nil
}

func fromValue(v parquet.Value, typ table.Type) any {
	if v.IsNull() {
		return nil
	}
	switch typ {
	case table.TypeTimestamp:
		return time.UnixMicro(v.Int64()).UTC()
	case table.TypeString:
		return string(v.ByteArray())
	case table.TypeInt:
		return v.Int64()
	case table.TypeFloat:
		return v.Double()
	case table.TypeBool:
		return v.Boolean()
	}
	switch v.Kind() {
	case parquet.Boolean:
		return v.Boolean()
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return string(v.ByteArray())
	}
}

// RowCount returns the number of rows recorded in the parquet footer.
func RowCount(data []byte) (int64, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, fmt.Errorf("open parquet: %w", err)
	}
	return f.NumRows(), nil
}

// TableName returns the table name stored in the parquet footer.
func TableName(data []byte) (string, error) {
	f, err := parquet.OpenFile(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open parquet: %w", err)
	}
	name, ok := f.Lookup(metaTable)
	if !ok {
		return "", fmt.Errorf("parquet footer has no %s", metaTable)
	}
	return name, nil
}
