package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/mboyajeffers/etl-framework/internal/logging"
)

// FileEmitter writes each event to {dir}/{pipeline}/{run_id}.json and keeps
// chain heads in {dir}/chain-heads.json.
type FileEmitter struct {
	dir   string
	chain *ChainTracker
	log   *slog.Logger
}

// NewFileEmitter creates a file emitter rooted at dir.
func NewFileEmitter(dir string) (*FileEmitter, error) {
	if dir == "" {
		dir = "./audit"
	}
	chain, err := NewChainTracker(dir)
	if err != nil {
		return nil, fmt.Errorf("create chain tracker: %w", err)
	}
	return &FileEmitter{dir: dir, chain: chain, log: logging.Component("audit")}, nil
}

// Emit seals evt and writes it.
func (e *FileEmitter) Emit(ctx context.Context, evt *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := seal(e.chain, evt, e.log); err != nil {
		return err
	}
	if err := e.save(evt); err != nil {
		return err
	}
	if err := e.chain.SetHead(evt.ChainKey(), evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

func (e *FileEmitter) path(evt *Event) string {
	return filepath.Join(e.dir, evt.Run.Pipeline, evt.Run.RunID+".json")
}

// save writes the sealed event without touching the chain.
func (e *FileEmitter) save(evt *Event) error {
	p := e.path(evt)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	data, err := json.MarshalIndent(evt, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	e.log.Debug("audit event written", "path", p)
	return nil
}

// Close releases resources.
func (e *FileEmitter) Close() error { return nil }

// ReadEvents loads every event of a pipeline, in file name order.
func ReadEvents(dir, pipeline string) ([]*Event, error) {
	entries, err := os.ReadDir(filepath.Join(dir, pipeline))
	if err != nil {
		return nil, err
	}
	var out []*Event
	for _, ent := range entries {
		if ent.IsDir() || filepath.Ext(ent.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, pipeline, ent.Name()))
		if err != nil {
			return nil, err
		}
		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("decode %s: %w", ent.Name(), err)
		}
		out = append(out, &evt)
	}
	return out, nil
}

// VerifyChain checks that events form one unbroken chain and that every
// stored hash matches the event content. Events may be in any order.
func VerifyChain(events []*Event) error {
	byPrev := make(map[string]*Event, len(events))
	for _, evt := range events {
		if got := ComputeEventHash(evt); got != evt.Chain.EventHash {
			return fmt.Errorf("event %s: hash mismatch", evt.Run.RunID)
		}
		if other, dup := byPrev[evt.Chain.PrevEventHash]; dup {
			return fmt.Errorf("events %s and %s share a predecessor", other.Run.RunID, evt.Run.RunID)
		}
		byPrev[evt.Chain.PrevEventHash] = evt
	}
	next, ok := byPrev[""]
	if !ok && len(events) > 0 {
		return fmt.Errorf("no chain start")
	}
	seen := 0
	for ok {
		seen++
		next, ok = byPrev[next.Chain.EventHash]
	}
	if seen != len(events) {
		return fmt.Errorf("chain broken: %d of %d events linked", seen, len(events))
	}
	return nil
}
