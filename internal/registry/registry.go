// Package registry holds the set of runnable pipelines. A Registry is an
// explicit value owned by the caller; there is no package-level instance.
package registry

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/mboyajeffers/etl-framework/internal/clean"
	"github.com/mboyajeffers/etl-framework/internal/extract"
	"github.com/mboyajeffers/etl-framework/internal/model"
	"github.com/mboyajeffers/etl-framework/internal/quality"
)

// ErrUnknownPipeline is returned by Get for a name that was never registered.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Pipeline availability reported by Status.
const (
	StatusAvailable      = "available"
	StatusRequiresAPIKey = "requires_api_key"
)

// Spec describes one pipeline. Factories are called once per run so runs
// never share extractor, cleaner or modeler state.
type Spec struct {
	Name        string
	Vertical    string
	Description string

	NewExtractor   func(opts ...extract.Option) (extract.Extractor, error)
	NewCleaner     func() (clean.Cleaner, error)
	NewTransformer func() (model.Transformer, error)
	Gates          []quality.Gate

	DefaultParams  extract.Params
	RequiresAPIKey string // env var that must be set, if any
	DataSources    []string
}

func (s Spec) validate() error {
	switch {
	case s.Name == "":
		return errors.New("pipeline name is empty")
	case s.NewExtractor == nil:
		return fmt.Errorf("pipeline %s: no extractor factory", s.Name)
	case s.NewCleaner == nil:
		return fmt.Errorf("pipeline %s: no cleaner factory", s.Name)
	case s.NewTransformer == nil:
		return fmt.Errorf("pipeline %s: no transformer factory", s.Name)
	}
	return nil
}

// Info is the listing view of a Spec.
type Info struct {
	Name           string   `json:"name"`
	Vertical       string   `json:"vertical"`
	Description    string   `json:"description"`
	Status         string   `json:"status"`
	RequiresAPIKey string   `json:"requires_api_key,omitempty"`
	DataSources    []string `json:"data_sources,omitempty"`
}

// Registry maps pipeline names to specs, preserving registration order.
type Registry struct {
	mu     sync.RWMutex
	specs  map[string]Spec
	order  []string
	getenv func(string) string
}

// Option configures a Registry.
type Option func(*Registry)

// WithEnv overrides the environment lookup used by Status.
func WithEnv(getenv func(string) string) Option {
	return func(r *Registry) { r.getenv = getenv }
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{specs: make(map[string]Spec), getenv: os.Getenv}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a pipeline. Names must be unique.
func (r *Registry) Register(s Spec) error {
	if err := s.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.specs[s.Name]; ok {
		return fmt.Errorf("pipeline %s already registered", s.Name)
	}
	r.specs[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// MustRegister is Register for static wiring; it panics on error.
func (r *Registry) MustRegister(s Spec) {
	if err := r.Register(s); err != nil {
		panic(err)
	}
}

// Get returns the spec registered under name.
func (r *Registry) Get(name string) (Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.specs[name]
	if !ok {
		return Spec{}, fmt.Errorf("%w: %s", ErrUnknownPipeline, name)
	}
	return s, nil
}

// Names returns pipeline names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.order...)
}

// Len returns the number of registered pipelines.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Status reports whether s can run with the current environment.
func (r *Registry) Status(s Spec) string {
	if s.RequiresAPIKey != "" && r.getenv(s.RequiresAPIKey) == "" {
		return StatusRequiresAPIKey
	}
	return StatusAvailable
}

// Infos lists every pipeline in registration order.
func (r *Registry) Infos() []Info {
	names := r.Names()
	out := make([]Info, 0, len(names))
	for _, name := range names {
		s, err := r.Get(name)
		if err != nil {
			continue
		}
		out = append(out, Info{
			Name:           s.Name,
			Vertical:       s.Vertical,
			Description:    s.Description,
			Status:         r.Status(s),
			RequiresAPIKey: s.RequiresAPIKey,
			DataSources:    append([]string(nil), s.DataSources...),
		})
	}
	return out
}
