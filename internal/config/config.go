// Package config loads framework configuration from an optional YAML file,
// a .env file and ETL_* environment variables, in increasing precedence.
// API keys are only ever read from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mboyajeffers/etl-framework/internal/audit"
	"github.com/mboyajeffers/etl-framework/internal/logging"
	"github.com/mboyajeffers/etl-framework/internal/metadata"
	"github.com/mboyajeffers/etl-framework/internal/storage"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type Config struct {
	OutputDir  string                 `yaml:"output_dir" validate:"required"`
	Workers    int                    `yaml:"workers" validate:"min=1,max=64"`
	Storage    storage.Config         `yaml:"storage"`
	Cache      CacheConfig            `yaml:"cache"`
	Checkpoint CheckpointConfig       `yaml:"checkpoint"`
	Catalog    metadata.CatalogConfig `yaml:"catalog"`
	Audit      audit.Config           `yaml:"audit"`
	Logging    logging.Config         `yaml:"logging"`
	Metrics    MetricsConfig          `yaml:"metrics"`
	Sources    map[string]Source      `yaml:"sources" validate:"dive"`
}

type CacheConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

type CheckpointConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir" validate:"required_if=Enabled true"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address" validate:"required_if=Enabled true"`
	Namespace string `yaml:"namespace"`
}

// Source configures one upstream API.
type Source struct {
	BaseURL            string        `yaml:"base_url" validate:"required,url"`
	RateLimitPerMinute int           `yaml:"rate_limit_per_minute" validate:"min=0"`
	CacheTTL           time.Duration `yaml:"cache_ttl" validate:"min=0"`
	MaxAttempts        int           `yaml:"max_attempts" validate:"min=0,max=20"`
	Timeout            time.Duration `yaml:"timeout" validate:"min=0"`
	PageSize           int           `yaml:"page_size" validate:"min=0,max=500"`
	MaxPages           int           `yaml:"max_pages" validate:"min=0"`
}

// MinInterval converts the per-minute rate limit into call spacing.
func (s Source) MinInterval() time.Duration {
	if s.RateLimitPerMinute <= 0 {
		return 0
	}
	return time.Minute / time.Duration(s.RateLimitPerMinute)
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		OutputDir: "./output",
		Workers:   1,
		Storage:   storage.Config{Backend: "local"},
		Cache:     CacheConfig{Enabled: true, Dir: "./.cache/etl"},
		Checkpoint: CheckpointConfig{
			Enabled: true,
			Dir:     "./.cache/checkpoints",
		},
		Audit:   audit.Config{Dir: "./audit"},
		Logging: logging.Config{Format: "text", Level: "info"},
		Metrics: MetricsConfig{Address: ":9090", Namespace: "etl"},
		Sources: DefaultSources(),
	}
}

// DefaultSources holds the public API endpoints and their free-tier limits.
func DefaultSources() map[string]Source {
	return map[string]Source{
		"coingecko": {
			BaseURL:            "https://api.coingecko.com/api/v3",
			RateLimitPerMinute: 10,
			CacheTTL:           5 * time.Minute,
			MaxAttempts:        4,
			Timeout:            30 * time.Second,
			PageSize:           250,
			MaxPages:           4,
		},
		"tmdb": {
			BaseURL:            "https://api.themoviedb.org/3",
			RateLimitPerMinute: 10,
			CacheTTL:           24 * time.Hour,
			MaxAttempts:        4,
			Timeout:            30 * time.Second,
			PageSize:           20,
			MaxPages:           5,
		},
	}
}

// Source returns the named source, falling back to its default.
func (c Config) Source(name string) Source {
	if s, ok := c.Sources[name]; ok {
		return s
	}
	return DefaultSources()[name]
}

// Load builds the configuration. path may be empty, in which case ETL_CONFIG
// is consulted; a missing .env file is ignored.
func Load(path string) (Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path == "" {
		path = os.Getenv("ETL_CONFIG")
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return Config{}, err
	}
	cfg.fillDefaults()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	slog.Debug("loaded environment file", "path", path)
	return nil
}

func (c *Config) mergeFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	defaults := c.Sources
	c.Sources = nil
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	merged := make(map[string]Source, len(defaults)+len(c.Sources))
	for name, s := range defaults {
		merged[name] = s
	}
	for name, s := range c.Sources {
		merged[name] = overlay(merged[name], s)
	}
	c.Sources = merged
	return nil
}

// overlay copies the non-zero fields of o onto base.
func overlay(base, o Source) Source {
	if o.BaseURL != "" {
		base.BaseURL = o.BaseURL
	}
	if o.RateLimitPerMinute != 0 {
		base.RateLimitPerMinute = o.RateLimitPerMinute
	}
	if o.CacheTTL != 0 {
		base.CacheTTL = o.CacheTTL
	}
	if o.MaxAttempts != 0 {
		base.MaxAttempts = o.MaxAttempts
	}
	if o.Timeout != 0 {
		base.Timeout = o.Timeout
	}
	if o.PageSize != 0 {
		base.PageSize = o.PageSize
	}
	if o.MaxPages != 0 {
		base.MaxPages = o.MaxPages
	}
	return base
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	boolean := func(key string, dst *bool) error {
		if v := getenv(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = b
		}
		return nil
	}

	str("ETL_OUTPUT_DIR", &c.OutputDir)
	str("ETL_STORAGE_BACKEND", &c.Storage.Backend)
	str("ETL_STORAGE_BUCKET", &c.Storage.Bucket)
	str("ETL_STORAGE_PREFIX", &c.Storage.Prefix)
	str("ETL_STORAGE_ENDPOINT", &c.Storage.Endpoint)
	str("ETL_STORAGE_REGION", &c.Storage.Region)
	str("ETL_CACHE_DIR", &c.Cache.Dir)
	str("ETL_CHECKPOINT_DIR", &c.Checkpoint.Dir)
	str("ETL_CATALOG_DSN", &c.Catalog.PostgresDSN)
	str("ETL_AUDIT_DIR", &c.Audit.Dir)
	str("ETL_AUDIT_ENDPOINT", &c.Audit.Endpoint)
	str("ETL_LOG_LEVEL", &c.Logging.Level)
	str("ETL_LOG_FORMAT", &c.Logging.Format)
	str("ETL_METRICS_ADDR", &c.Metrics.Address)

	if err := boolean("ETL_CACHE_ENABLED", &c.Cache.Enabled); err != nil {
		return err
	}
	if err := boolean("ETL_CHECKPOINT_ENABLED", &c.Checkpoint.Enabled); err != nil {
		return err
	}
	if err := boolean("ETL_METRICS_ENABLED", &c.Metrics.Enabled); err != nil {
		return err
	}
	if err := boolean("ETL_AUDIT_ENABLED", &c.Audit.Enabled); err != nil {
		return err
	}
	if v := getenv("ETL_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ETL_WORKERS: %w", err)
		}
		c.Workers = n
	}

	for name, s := range c.Sources {
		prefix := "ETL_" + strings.ToUpper(name) + "_"
		str(prefix+"BASE_URL", &s.BaseURL)
		if v := getenv(prefix + "RATE_LIMIT"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%sRATE_LIMIT: %w", prefix, err)
			}
			s.RateLimitPerMinute = n
		}
		c.Sources[name] = s
	}
	return nil
}

func (c *Config) fillDefaults() {
	if c.Storage.LocalDir == "" {
		c.Storage.LocalDir = c.OutputDir
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "etl"
	}
	if c.Workers == 0 {
		c.Workers = 1
	}
}

// Validate checks struct constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: rule '%s' %s, got '%v'", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
			}
			return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// CacheDir resolves the cache directory relative to the working directory.
func (c Config) CacheDir() string {
	return filepath.Clean(c.Cache.Dir)
}

// APIKey reads an API key from the environment.
func APIKey(env string) string {
	return strings.TrimSpace(os.Getenv(env))
}
