// Package checkpoint persists extraction progress so an interrupted
// pipeline can resume from its last saved page instead of starting over.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mboyajeffers/etl-framework/internal/table"
)

var (
	// ErrNoCheckpoint is returned when no checkpoint exists.
	ErrNoCheckpoint = errors.New("no checkpoint found")
)

// Checkpoint represents a pipeline's extraction progress.
type Checkpoint struct {
	Pipeline     string      `json:"pipeline"`
	Signature    string      `json:"signature,omitempty"` // request the cursor belongs to
	Cursor       string      `json:"cursor"`
	PagesFetched int         `json:"pages_fetched"`
	APICalls     int         `json:"api_calls"`
	Records      []table.Row `json:"records"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// Manager handles checkpoint persistence and retrieval.
type Manager interface {
	// Load reads the checkpoint for a pipeline.
	Load(ctx context.Context, pipeline string) (*Checkpoint, error)

	// Save persists the checkpoint.
	Save(ctx context.Context, cp *Checkpoint) error

	// Clear removes the checkpoint after a complete extraction.
	Clear(ctx context.Context, pipeline string) error
}

// Config configures the checkpoint manager.
type Config struct {
	Enabled bool
	Dir     string // Directory for checkpoint files
}

// NewManager creates a checkpoint manager based on configuration.
func NewManager(cfg Config) (Manager, error) {
	if !cfg.Enabled {
		return &noopManager{}, nil
	}

	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", cfg.Dir, err)
	}

	return &fileManager{dir: cfg.Dir}, nil
}

// Noop returns a manager that never stores anything.
func Noop() Manager {
	return &noopManager{}
}

// fileManager persists checkpoints to local files.
type fileManager struct {
	dir string
}

func (m *fileManager) checkpointPath(pipeline string) string {
	return filepath.Join(m.dir, fmt.Sprintf("checkpoint_%s.json", pipeline))
}

// Load reads the checkpoint from file.
func (m *fileManager) Load(ctx context.Context, pipeline string) (*Checkpoint, error) {
	data, err := os.ReadFile(m.checkpointPath(pipeline))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoCheckpoint
		}
		return nil, fmt.Errorf("read checkpoint file: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint file: %w", err)
	}
	if cp.Pipeline != pipeline {
		return nil, ErrNoCheckpoint
	}

	return &cp, nil
}

// Save persists the checkpoint to file.
func (m *fileManager) Save(ctx context.Context, cp *Checkpoint) error {
	path := m.checkpointPath(cp.Pipeline)

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	// Write atomically
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0644); err != nil {
		return fmt.Errorf("write checkpoint temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("rename checkpoint file: %w", err)
	}

	return nil
}

// Clear removes the pipeline's checkpoint file.
func (m *fileManager) Clear(ctx context.Context, pipeline string) error {
	err := os.Remove(m.checkpointPath(pipeline))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove checkpoint file: %w", err)
	}
	return nil
}

// noopManager is a no-op checkpoint manager for when checkpointing is disabled.
type noopManager struct{}

func (m *noopManager) Load(ctx context.Context, pipeline string) (*Checkpoint, error) {
	return nil, ErrNoCheckpoint
}

func (m *noopManager) Save(ctx context.Context, cp *Checkpoint) error {
	return nil
}

func (m *noopManager) Clear(ctx context.Context, pipeline string) error {
	return nil
}
