// Package storage persists written tables to the local filesystem or an
// object store.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("object not found")

// TableRef locates one output table of a pipeline.
type TableRef struct {
	Pipeline string
	Table    string
}

// DirPath returns the directory holding the pipeline's tables.
func (r TableRef) DirPath(prefix string) string {
	return path.Join(prefix, r.Pipeline)
}

// Path returns the key of the table's parquet file.
func (r TableRef) Path(prefix string) string {
	return path.Join(prefix, r.Pipeline, r.Table+".parquet")
}

// MetaPath returns the key of the table's metadata sidecar.
func (r TableRef) MetaPath(prefix string) string {
	return path.Join(prefix, r.Pipeline, r.Table+".meta.json")
}

// Store abstracts object persistence. Keys are slash-separated and relative
// to the store root. Put must be atomic per object: readers see either the
// previous content or the new content, never a partial write.
type Store interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error

	// List returns all keys under prefix in lexical order.
	List(ctx context.Context, prefix string) ([]string, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend" validate:"omitempty,oneof=local gcs s3 mem"`

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS or S3 (also works for B2, R2, MinIO)
	Bucket   string `yaml:"bucket"`
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`

	// Prefix is prepended to every key by callers that build TableRef paths.
	Prefix string `yaml:"prefix"`
}

// New creates a storage backend based on configuration.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return NewGCSStore(ctx, cfg.Bucket)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return NewS3Store(ctx, cfg.Bucket, cfg.Endpoint, cfg.Region)
	case "mem":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
