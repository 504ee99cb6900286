// Package cache is the on-disk response cache shared by extractors.
//
// Entries are zstd-compressed payloads stored under one directory per
// namespace (one namespace per pipeline). Freshness comes from the file
// modification time. Writes go to a temp file in the same directory and are
// renamed into place, so concurrent writers never expose a torn entry.
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// ErrMiss is returned when no fresh entry exists.
var ErrMiss = errors.New("cache miss")

// Config configures the cache.
type Config struct {
	Enabled bool
	Dir     string
}

// Cache owns the codec and the root directory.
type Cache struct {
	dir string
	enc *zstd.Encoder
	dec *zstd.Decoder
	now func() time.Time
	log *slog.Logger
}

// New creates a cache rooted at cfg.Dir. A disabled config returns nil, which
// every method treats as "always miss, never store".
func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return nil, fmt.Errorf("create cache directory %s: %w", cfg.Dir, err)
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Cache{
		dir: cfg.Dir,
		enc: enc,
		dec: dec,
		now: time.Now,
		log: slog.With("component", "cache"),
	}, nil
}

// Close releases codec resources.
func (c *Cache) Close() error {
	if c == nil {
		return nil
	}
	c.dec.Close()
	return c.enc.Close()
}

// Namespace returns a view of the cache scoped to name with the given TTL.
func (c *Cache) Namespace(name string, ttl time.Duration) *Namespace {
	if c == nil {
		return nil
	}
	return &Namespace{c: c, dir: filepath.Join(c.dir, sanitize(name)), ttl: ttl}
}

// Namespace is a pipeline-scoped cache.
type Namespace struct {
	c   *Cache
	dir string
	ttl time.Duration
}

// Get returns the cached payload for key, or ErrMiss.
func (n *Namespace) Get(key string) ([]byte, error) {
	if n == nil {
		return nil, ErrMiss
	}
	path := n.path(key)
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("stat cache entry: %w", err)
	}
	if n.ttl > 0 && n.c.now().Sub(info.ModTime()) > n.ttl {
		return nil, ErrMiss
	}
	compressed, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrMiss
		}
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	body, err := n.c.dec.DecodeAll(compressed, nil)
	if err != nil {
		// A corrupt entry is treated as absent; the next Put replaces it.
		n.c.log.Warn("discarding corrupt cache entry", "path", path, "error", err)
		return nil, ErrMiss
	}
	return body, nil
}

// Put stores body under key. Callers treat failures as non-fatal.
func (n *Namespace) Put(key string, body []byte) error {
	if n == nil {
		return nil
	}
	if err := os.MkdirAll(n.dir, 0755); err != nil {
		return fmt.Errorf("create cache namespace: %w", err)
	}
	compressed := n.c.enc.EncodeAll(body, nil)

	tmp, err := os.CreateTemp(n.dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create cache temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write cache temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close cache temp file: %w", err)
	}
	if err := os.Rename(tmpPath, n.path(key)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename cache entry: %w", err)
	}
	return nil
}

func (n *Namespace) path(key string) string {
	return filepath.Join(n.dir, key+".zst")
}

// Key derives the request signature from an endpoint and its parameters.
// Parameters named in exclude (API keys) do not contribute.
func Key(endpoint string, params map[string]string, exclude ...string) string {
	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		skip[e] = true
	}
	names := make([]string, 0, len(params))
	for k := range params {
		if !skip[k] {
			names = append(names, k)
		}
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(endpoint)
	for _, k := range names {
		b.WriteString("\x1f")
		b.WriteString(k)
		b.WriteString("=")
		b.WriteString(params[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		default:
			return '_'
		}
	}, name)
}
