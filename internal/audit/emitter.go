package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mboyajeffers/etl-framework/internal/logging"
)

// Config selects the emitter.
type Config struct {
	Enabled  bool          `yaml:"enabled"`
	Dir      string        `yaml:"dir" validate:"required_if=Enabled true"`
	Endpoint string        `yaml:"endpoint" validate:"omitempty,url"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Emitter records audit events.
type Emitter interface {
	Emit(ctx context.Context, evt *Event) error
	Close() error
}

// New returns a no-op emitter when disabled, an HTTP emitter when an endpoint
// is configured and a file emitter otherwise. Every enabled emitter keeps a
// local copy of each event under Dir.
func New(cfg Config) (Emitter, error) {
	log := logging.Component("audit")
	if !cfg.Enabled {
		return Noop(), nil
	}
	files, err := NewFileEmitter(cfg.Dir)
	if err != nil {
		return nil, err
	}
	if cfg.Endpoint == "" {
		log.Info("audit events written to files", "dir", cfg.Dir)
		return files, nil
	}
	log.Info("audit events posted", "endpoint", cfg.Endpoint, "backup_dir", cfg.Dir)
	return NewHTTPEmitter(cfg.Endpoint, cfg.Timeout, files), nil
}

// Noop returns an emitter that discards events.
func Noop() Emitter { return noopEmitter{} }

type noopEmitter struct{}

func (noopEmitter) Emit(context.Context, *Event) error { return nil }
func (noopEmitter) Close() error                       { return nil }

// seal links evt to the current chain head and stamps its identity.
func seal(ct *ChainTracker, evt *Event, log *slog.Logger) error {
	prev, err := ct.Head(evt.ChainKey())
	if err != nil && !errors.Is(err, ErrNoChainHead) {
		return fmt.Errorf("get chain head: %w", err)
	}
	evt.Version = Version
	evt.EventType = EventRunDone
	evt.EventID = "evt_" + uuid.NewString()
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	evt.SetChainHashes(prev)

	if prev == "" {
		log.Debug("first event in chain", "chain", evt.ChainKey())
	}
	log.Debug("audit event sealed",
		"chain", evt.ChainKey(),
		"run_id", evt.Run.RunID,
		"prev_hash", prev,
		"event_hash", evt.Chain.EventHash)
	return nil
}
