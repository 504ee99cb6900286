// Package writer persists a modeled schema as one parquet file plus a JSON
// metadata sidecar per table.
package writer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/metrics"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/storage"
	"github.com/mboyajeffers/etl-framework/internal/table"
	"github.com/mboyajeffers/etl-framework/internal/tables"
)

// WriteError records a failure to persist one table.
type WriteError struct {
	Table string
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("write table %s: %v", e.Table, e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// Meta is the sidecar stored next to every parquet file.
type Meta struct {
	Table       string         `json:"table"`
	Kind        table.Kind     `json:"kind"`
	RowCount    int64          `json:"row_count"`
	Checksum    string         `json:"checksum"`
	Columns     []table.Column `json:"columns"`
	WrittenAt   time.Time      `json:"written_at"`
	ByteSize    int64          `json:"byte_size"`
	Compression string         `json:"compression"`
	Version     string         `json:"schema_version"`
}

// WriteResult is the outcome of writing one table.
type WriteResult struct {
	Table    string      `json:"table"`
	Path     string      `json:"path"`
	RowCount int64       `json:"row_count"`
	Checksum string      `json:"checksum"`
	ByteSize int64       `json:"byte_size"`
	Err      *WriteError `json:"-"`
}

// Writer writes tables to a store.
type Writer struct {
	store  storage.Store
	prefix string
	now    func() time.Time
	log    *slog.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithPrefix prepends prefix to every key.
func WithPrefix(prefix string) Option {
	return func(w *Writer) { w.prefix = prefix }
}

// WithClock overrides the time source used for written_at.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) { w.now = now }
}

// New creates a Writer on store.
func New(store storage.Store, opts ...Option) *Writer {
	w := &Writer{
		store: store,
		now:   time.Now,
		log:   slog.With("component", "writer"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Store returns the underlying store.
func (w *Writer) Store() storage.Store { return w.store }

// Prefix returns the key prefix.
func (w *Writer) Prefix() string { return w.prefix }

// Write persists every table of schema. Tables are independent: a failure on
// one is recorded in its result and the rest are still written.
func (w *Writer) Write(ctx context.Context, schema *model.Schema, pipeline string) map[string]WriteResult {
	results := make(map[string]WriteResult)
	var totalBytes int64
	for _, t := range schema.Tables() {
		res := w.writeTable(ctx, pipeline, t)
		results[t.Name] = res
		if res.Err != nil {
			metrics.Get().IncWriteErrors(pipeline, t.Name)
			w.log.Error("table write failed", "pipeline", pipeline, "table", t.Name, "error", res.Err)
			continue
		}
		totalBytes += res.ByteSize
		metrics.Get().SetTableRows(pipeline, t.Name, float64(res.RowCount))
		w.log.Info("table written",
			"pipeline", pipeline,
			"table", t.Name,
			"rows", res.RowCount,
			"bytes", res.ByteSize,
			"path", res.Path,
		)
	}
	metrics.Get().ObserveTableBytes(pipeline, float64(totalBytes))
	return results
}

func (w *Writer) writeTable(ctx context.Context, pipeline string, t *table.Table) WriteResult {
	ref := storage.TableRef{Pipeline: pipeline, Table: t.Name}
	res := WriteResult{Table: t.Name, Path: w.store.URI(ref.Path(w.prefix))}
	fail := func(err error) WriteResult {
		res.Err = &WriteError{Table: t.Name, Err: err}
		return res
	}

	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	data, err := tables.Encode(t)
	if err != nil {
		return fail(err)
	}
	_, cols, err := tables.Schema(t)
	if err != nil {
		return fail(err)
	}

	meta := Meta{
		Table:       t.Name,
		Kind:        t.Kind,
		RowCount:    int64(t.Len()),
		Checksum:    tables.ComputeChecksum(data),
		Columns:     cols,
		WrittenAt:   w.now().UTC(),
		ByteSize:    int64(len(data)),
		Compression: tables.Compression,
		Version:     tables.SchemaVersion,
	}
	metaBytes, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fail(fmt.Errorf("marshal meta: %w", err))
	}

	// The sidecar goes last so its presence implies a complete parquet file.
	if err := w.store.Put(ctx, ref.Path(w.prefix), data); err != nil {
		return fail(err)
	}
	if err := w.store.Put(ctx, ref.MetaPath(w.prefix), metaBytes); err != nil {
		return fail(err)
	}

	res.RowCount = meta.RowCount
	res.Checksum = meta.Checksum
	res.ByteSize = meta.ByteSize
	return res
}

// ReadMeta loads a table's sidecar.
func (w *Writer) ReadMeta(ctx context.Context, pipeline, tableName string) (*Meta, error) {
	ref := storage.TableRef{Pipeline: pipeline, Table: tableName}
	raw, err := w.store.Get(ctx, ref.MetaPath(w.prefix))
	if err != nil {
		return nil, err
	}
	var meta Meta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("parse meta %s: %w", ref.MetaPath(w.prefix), err)
	}
	return &meta, nil
}

// Verify re-reads a written table and checks it against its sidecar.
func (w *Writer) Verify(ctx context.Context, pipeline, tableName string) (*Meta, error) {
	meta, err := w.ReadMeta(ctx, pipeline, tableName)
	if err != nil {
		return nil, err
	}
	ref := storage.TableRef{Pipeline: pipeline, Table: tableName}
	data, err := w.store.Get(ctx, ref.Path(w.prefix))
	if err != nil {
		return nil, err
	}
	if err := tables.VerifyChecksum(data, meta.Checksum); err != nil {
		return nil, fmt.Errorf("verify %s: %w", tableName, err)
	}
	n, err := tables.RowCount(data)
	if err != nil {
		return nil, fmt.Errorf("verify %s: %w", tableName, err)
	}
	if n != meta.RowCount {
		return nil, fmt.Errorf("verify %s: parquet has %d rows, meta says %d", tableName, n, meta.RowCount)
	}
	return meta, nil
}

// ReadTable decodes a previously written table. It returns storage.ErrNotFound
// when the table has never been written.
func (w *Writer) ReadTable(ctx context.Context, pipeline, tableName string) (*table.Table, error) {
	meta, err := w.ReadMeta(ctx, pipeline, tableName)
	if err != nil {
		return nil, err
	}
	ref := storage.TableRef{Pipeline: pipeline, Table: tableName}
	data, err := w.store.Get(ctx, ref.Path(w.prefix))
	if err != nil {
		return nil, err
	}
	rows, err := tables.Decode(data, meta.Columns)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", tableName, err)
	}
	t := table.New(tableName, meta.Kind, meta.Columns...)
	t.Rows = rows
	return t, nil
}

// LoadSnapshot reads the named tables, skipping ones never written.
func (w *Writer) LoadSnapshot(ctx context.Context, pipeline string, names []string) (model.Snapshot, error) {
	snap := make(model.Snapshot, len(names))
	for _, name := range names {
		t, err := w.ReadTable(ctx, pipeline, name)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		snap[name] = t
	}
	return snap, nil
}

// PutJSON stores v as indented JSON under {prefix}/key.
func (w *Writer) PutJSON(ctx context.Context, key string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", key, err)
	}
	full := key
	if w.prefix != "" {
		full = w.prefix + "/" + key
	}
	if err := w.store.Put(ctx, full, data); err != nil {
		return "", err
	}
	return w.store.URI(full), nil
}
