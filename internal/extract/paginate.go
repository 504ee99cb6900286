package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/checkpoint"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

// Page is one page of source records.
type Page struct {
	Records []table.Row
	Next    string // cursor for the following page; empty ends the loop
	Done    bool   // the source signalled there are no more pages
}

// PageFunc fetches the page at cursor.
type PageFunc func(ctx context.Context, cursor string) (Page, error)

// PaginateOptions bounds a pagination loop.
type PaginateOptions struct {
	Start           string // first cursor
	MaxRecords      int    // 0 means unbounded
	MaxPages        int    // 0 means unbounded
	CheckpointEvery int    // pages between checkpoints; 0 disables
	Signature       string // identifies the request; a checkpoint taken under another is discarded
}

// Paginate drives fetch until the source runs out of pages or a limit is
// reached. The context is checked once per iteration; on cancellation the
// progress so far is checkpointed and the context error returned.
//
// A page failure after records were collected yields a partial Result whose
// Err is a *PartialExtractionError. With nothing collected the failure is
// returned as the error.
func (b *Base) Paginate(ctx context.Context, fetch PageFunc, opts PaginateOptions) (*Result, error) {
	start := b.Stats()
	res := &Result{Metadata: Metadata{Source: b.cfg.Source}}
	cursor := opts.Start
	pages := 0
	var records []table.Row

	cp, err := b.checkpoints.Load(ctx, b.cfg.Name)
	switch {
	case err == nil && cp.Signature != opts.Signature:
		b.log.Info("discarding checkpoint taken with different parameters", "pages", cp.PagesFetched)
		if err := b.checkpoints.Clear(ctx, b.cfg.Name); err != nil {
			b.log.Warn("clear checkpoint failed", "error", err)
		}
	case err == nil && cp.Cursor != "":
		cursor = cp.Cursor
		pages = cp.PagesFetched
		records = cp.Records
		res.Metadata.ResumedFromPage = pages
		b.log.Info("resuming extraction from checkpoint", "cursor", cursor, "pages", pages, "records", len(records))
	case err != nil && !errors.Is(err, checkpoint.ErrNoCheckpoint):
		b.log.Warn("ignoring unreadable checkpoint", "error", err)
	}

	finish := func() {
		stats := b.Stats()
		res.Records = records
		res.Metadata.FetchedAt = time.Now().UTC()
		res.Metadata.RecordCount = len(records)
		res.Metadata.PagesFetched = pages
		res.Metadata.APICalls = stats.APICalls - start.APICalls
		res.Metadata.CacheHits = stats.CacheHits - start.CacheHits
		res.Metadata.Retries = stats.Retries - start.Retries
	}

	for {
		if err := ctx.Err(); err != nil {
			b.saveCheckpoint(context.WithoutCancel(ctx), opts.Signature, cursor, pages, records)
			return nil, fmt.Errorf("extraction cancelled after %d pages: %w", pages, err)
		}
		if opts.MaxPages > 0 && pages >= opts.MaxPages {
			break
		}

		page, err := fetch(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				b.saveCheckpoint(context.WithoutCancel(ctx), opts.Signature, cursor, pages, records)
				return nil, fmt.Errorf("extraction cancelled after %d pages: %w", pages, ctx.Err())
			}
			if len(records) == 0 {
				return nil, fmt.Errorf("extract %s page %d: %w", b.cfg.Name, pages+1, err)
			}
			b.saveCheckpoint(ctx, opts.Signature, cursor, pages, records)
			finish()
			res.Partial = true
			res.Err = &PartialExtractionError{Page: pages + 1, Collected: len(records), Err: err}
			res.Warnings = append(res.Warnings, res.Err.Error())
			b.log.Warn("extraction ended early", "page", pages+1, "records", len(records), "error", err)
			return res, nil
		}

		pages++
		records = append(records, page.Records...)

		if opts.MaxRecords > 0 && len(records) >= opts.MaxRecords {
			records = records[:opts.MaxRecords]
			break
		}
		if page.Done || len(page.Records) == 0 || page.Next == "" {
			break
		}
		cursor = page.Next

		if opts.CheckpointEvery > 0 && pages%opts.CheckpointEvery == 0 {
			b.saveCheckpoint(ctx, opts.Signature, cursor, pages, records)
		}
	}

	if err := b.checkpoints.Clear(ctx, b.cfg.Name); err != nil {
		b.log.Warn("clear checkpoint failed", "error", err)
	}
	finish()
	return res, nil
}

func (b *Base) saveCheckpoint(ctx context.Context, signature, cursor string, pages int, records []table.Row) {
	cp := &checkpoint.Checkpoint{
		Pipeline:     b.cfg.Name,
		Signature:    signature,
		Cursor:       cursor,
		PagesFetched: pages,
		APICalls:     int(b.apiCalls.Load()),
		Records:      records,
		UpdatedAt:    time.Now().UTC(),
	}
	if err := b.checkpoints.Save(ctx, cp); err != nil {
		b.log.Warn("save checkpoint failed", "error", err)
	}
}
