package metadata

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schemaSQL string

// PostgresCatalog implements Catalog using PostgreSQL.
type PostgresCatalog struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgresCatalog connects, pings and creates the _etl_* tables.
func NewPostgresCatalog(ctx context.Context, cfg CatalogConfig) (*PostgresCatalog, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	c := &PostgresCatalog{pool: pool, log: slog.With("component", "catalog")}
	c.log.Info("connected to PostgreSQL catalog")
	return c, nil
}

// RecordRun upserts the run row.
func (c *PostgresCatalog) RecordRun(ctx context.Context, rec RunRecord) error {
	query := `
		INSERT INTO _etl_runs (
			run_id, pipeline, status, records_extracted, tables_created,
			total_rows, quality_score, errors, warnings, started_at, finished_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id)
		DO UPDATE SET
			status = EXCLUDED.status,
			records_extracted = EXCLUDED.records_extracted,
			tables_created = EXCLUDED.tables_created,
			total_rows = EXCLUDED.total_rows,
			quality_score = EXCLUDED.quality_score,
			errors = EXCLUDED.errors,
			warnings = EXCLUDED.warnings,
			finished_at = EXCLUDED.finished_at
	`

	var finished *time.Time
	if !rec.FinishedAt.IsZero() {
		finished = &rec.FinishedAt
	}
	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	warns := rec.Warnings
	if warns == nil {
		warns = []string{}
	}

	_, err := c.pool.Exec(ctx, query,
		rec.RunID,
		rec.Pipeline,
		rec.Status,
		rec.RecordsExtracted,
		rec.TablesCreated,
		rec.TotalRows,
		rec.QualityScore,
		errs,
		warns,
		rec.StartedAt,
		finished,
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	c.log.Debug("recorded run", "run_id", rec.RunID, "status", rec.Status)
	return nil
}

// RecordTables upserts the written tables of a run in one batch.
func (c *PostgresCatalog) RecordTables(ctx context.Context, runID string, recs []TableRecord) error {
	if len(recs) == 0 {
		return nil
	}
	query := `
		INSERT INTO _etl_tables (run_id, table_name, row_count, byte_size, checksum, storage_uri)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (run_id, table_name)
		DO UPDATE SET
			row_count = EXCLUDED.row_count,
			byte_size = EXCLUDED.byte_size,
			checksum = EXCLUDED.checksum,
			storage_uri = EXCLUDED.storage_uri,
			created_at = NOW()
	`
	batch := &pgx.Batch{}
	for _, r := range recs {
		batch.Queue(query, runID, r.Table, r.RowCount, r.ByteSize, r.Checksum, r.StorageURI)
	}
	if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record tables: %w", err)
	}
	return nil
}

// RecordQuality upserts gate outcomes of a run in one batch.
func (c *PostgresCatalog) RecordQuality(ctx context.Context, runID string, recs []QualityRecord) error {
	if len(recs) == 0 {
		return nil
	}
	query := `
		INSERT INTO _etl_quality (run_id, gate, severity, score, threshold, weight, passed, detail)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id, gate)
		DO UPDATE SET
			score = EXCLUDED.score,
			passed = EXCLUDED.passed,
			detail = EXCLUDED.detail,
			created_at = NOW()
	`
	batch := &pgx.Batch{}
	for _, r := range recs {
		r := r
		var detail *string
		if r.Detail != "" {
			detail = &r.Detail
		}
		batch.Queue(query, runID, r.Gate, r.Severity, r.Score, r.Threshold, r.Weight, r.Passed, detail)
	}
	if err := c.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("record quality: %w", err)
	}
	return nil
}

// LastRun returns the most recent run of a pipeline, or nil if none exists.
func (c *PostgresCatalog) LastRun(ctx context.Context, pipeline string) (*RunRecord, error) {
	query := `
		SELECT run_id, pipeline, status, records_extracted, tables_created,
		       total_rows, COALESCE(quality_score, 0), errors, warnings,
		       started_at, COALESCE(finished_at, started_at)
		FROM _etl_runs
		WHERE pipeline = $1
		ORDER BY started_at DESC
		LIMIT 1
	`
	var rec RunRecord
	err := c.pool.QueryRow(ctx, query, pipeline).Scan(
		&rec.RunID, &rec.Pipeline, &rec.Status, &rec.RecordsExtracted, &rec.TablesCreated,
		&rec.TotalRows, &rec.QualityScore, &rec.Errors, &rec.Warnings,
		&rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get last run: %w", err)
	}
	return &rec, nil
}

// Close releases database connections.
func (c *PostgresCatalog) Close() error {
	c.pool.Close()
	return nil
}

var _ Catalog = (*PostgresCatalog)(nil)
