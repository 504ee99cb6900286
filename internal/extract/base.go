package extract

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/mboyajeffers/etl-framework/internal/cache"
	"github.com/mboyajeffers/etl-framework/internal/checkpoint"
	"github.com/mboyajeffers/etl-framework/internal/metrics"
)

// DefaultUserAgent identifies the framework to public APIs that require one.
const DefaultUserAgent = "DataEngineering-Portfolio/1.0"

const maxResponseBytes = 64 << 20

// Config configures a Base extractor.
type Config struct {
	Name    string // pipeline name: cache namespace and checkpoint key
	Source  string // upstream source label, e.g. "coingecko"
	BaseURL string

	MinInterval    time.Duration // minimum spacing between call starts
	MaxAttempts    int           // total attempts per call, including the first
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	CallTimeout    time.Duration

	UserAgent    string
	Headers      map[string]string
	APIKey       string
	APIKeyParam  string // query parameter carrying the key
	APIKeyHeader string // header carrying the key

	CacheTTL time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 4
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.Source == "" {
		c.Source = c.Name
	}
}

// Option customizes a Base.
type Option func(*Base)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(b *Base) { b.client = client }
}

// WithCache enables the response cache.
func WithCache(c *cache.Cache) Option {
	return func(b *Base) { b.cacheRoot = c }
}

// WithCheckpoints enables checkpointing through m.
func WithCheckpoints(m checkpoint.Manager) Option {
	return func(b *Base) {
		if m != nil {
			b.checkpoints = m
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Base) { b.log = l }
}

// Base carries the behaviour every HTTP extractor shares: rate limiting,
// retry with backoff, response caching, pagination and checkpointing.
// Concrete extractors embed it.
type Base struct {
	cfg         Config
	client      *http.Client
	limiter     *rate.Limiter
	cacheRoot   *cache.Cache
	cache       *cache.Namespace
	checkpoints checkpoint.Manager
	selector    *Selector
	log         *slog.Logger

	apiCalls  atomic.Int64
	cacheHits atomic.Int64
	retries   atomic.Int64
}

// NewBase creates a Base extractor.
func NewBase(cfg Config, opts ...Option) *Base {
	cfg.applyDefaults()

	b := &Base{
		cfg:         cfg,
		client:      &http.Client{},
		checkpoints: checkpoint.Noop(),
		selector:    NewSelector(),
		log:         slog.With("component", "extract", "pipeline", cfg.Name),
	}
	for _, opt := range opts {
		opt(b)
	}

	limit := rate.Inf
	if cfg.MinInterval > 0 {
		limit = rate.Every(cfg.MinInterval)
	}
	b.limiter = rate.NewLimiter(limit, 1)
	b.cache = b.cacheRoot.Namespace(cfg.Name, cfg.CacheTTL)

	return b
}

// Name returns the pipeline name the extractor serves.
func (b *Base) Name() string { return b.cfg.Name }

// Source returns the upstream source label.
func (b *Base) Source() string { return b.cfg.Source }

// Selector returns the shared JMESPath selector.
func (b *Base) Selector() *Selector { return b.selector }

// Stats is a snapshot of call counters.
type Stats struct {
	APICalls  int64
	CacheHits int64
	Retries   int64
}

// Stats returns the call counters accumulated so far.
func (b *Base) Stats() Stats {
	return Stats{
		APICalls:  b.apiCalls.Load(),
		CacheHits: b.cacheHits.Load(),
		Retries:   b.retries.Load(),
	}
}

// Request is one outbound call.
type Request struct {
	Method string // defaults to GET
	Path   string // appended to BaseURL
	Params map[string]string
	Body   []byte
}

// Fetch performs req and returns the response body. GET responses are served
// from and stored in the cache. Transient failures are retried with
// exponential backoff; the last TransientSourceError is returned when the
// attempts run out.
func (b *Base) Fetch(ctx context.Context, req Request) ([]byte, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	endpoint := strings.TrimRight(b.cfg.BaseURL, "/") + req.Path
	cacheable := req.Method == http.MethodGet
	cacheKey := cache.Key(endpoint, req.Params, b.cfg.APIKeyParam)

	if cacheable {
		body, err := b.cache.Get(cacheKey)
		if err == nil {
			b.cacheHits.Add(1)
			metrics.Get().IncCacheHits(b.cfg.Source)
			return body, nil
		}
		if !errors.Is(err, cache.ErrMiss) {
			b.log.Warn("cache read failed", "error", err)
		}
	}

	bo := &hintedBackOff{BackOff: b.newBackOff()}
	var body []byte
	op := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		if err := b.limiter.Wait(ctx); err != nil {
			return backoff.Permanent(err)
		}
		var err error
		body, err = b.do(ctx, req, endpoint)
		if err == nil {
			return nil
		}
		var transient *TransientSourceError
		if errors.As(err, &transient) {
			bo.hint = transient.RetryAfter
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		b.retries.Add(1)
		metrics.Get().IncRetryAttempts(b.cfg.Source)
		b.log.Warn("retrying source call", "endpoint", endpoint, "wait", wait, "error", err)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify); err != nil {
		kind := "permanent"
		var transient *TransientSourceError
		if errors.As(err, &transient) {
			kind = "transient"
		}
		metrics.Get().IncSourceErrors(b.cfg.Source, kind)
		return nil, err
	}

	if cacheable {
		if err := b.cache.Put(cacheKey, body); err != nil {
			b.log.Warn("cache write failed", "error", err)
		}
	}
	return body, nil
}

func (b *Base) newBackOff() backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = b.cfg.InitialBackoff
	exp.MaxInterval = b.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	return backoff.WithMaxRetries(exp, uint64(b.cfg.MaxAttempts-1))
}

// do issues a single HTTP call under its own timeout.
func (b *Base) do(ctx context.Context, req Request, endpoint string) ([]byte, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.cfg.CallTimeout)
	defer cancel()

	fullURL := endpoint
	if q := b.query(req.Params); q != "" {
		fullURL += "?" + q
	}

	var reqBody io.Reader
	if req.Body != nil {
		reqBody = strings.NewReader(string(req.Body))
	}
	httpReq, err := http.NewRequestWithContext(callCtx, req.Method, fullURL, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("User-Agent", b.cfg.UserAgent)
	httpReq.Header.Set("Accept", "application/json")
	if req.Body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range b.cfg.Headers {
		httpReq.Header.Set(k, v)
	}
	if b.cfg.APIKey != "" && b.cfg.APIKeyHeader != "" {
		httpReq.Header.Set(b.cfg.APIKeyHeader, b.cfg.APIKey)
	}

	b.apiCalls.Add(1)
	metrics.Get().IncAPICalls(b.cfg.Source)

	resp, err := b.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientSourceError{URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &TransientSourceError{URL: endpoint, StatusCode: resp.StatusCode, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &TransientSourceError{
			URL:        endpoint,
			StatusCode: resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
			Err:        errors.New(http.StatusText(resp.StatusCode)),
		}
	case resp.StatusCode >= 500:
		return nil, &TransientSourceError{URL: endpoint, StatusCode: resp.StatusCode, Err: errors.New(http.StatusText(resp.StatusCode))}
	case resp.StatusCode >= 400:
		return nil, &StatusError{URL: endpoint, StatusCode: resp.StatusCode, Body: truncate(string(body), 256)}
	}
	return body, nil
}

// query encodes params plus the API key parameter in a stable order.
func (b *Base) query(params map[string]string) string {
	v := url.Values{}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v.Set(k, params[k])
	}
	if b.cfg.APIKey != "" && b.cfg.APIKeyParam != "" {
		v.Set(b.cfg.APIKeyParam, b.cfg.APIKey)
	}
	return v.Encode()
}

func parseRetryAfter(h string) time.Duration {
	if h == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(h)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(h); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// hintedBackOff stretches the next wait to a server-provided Retry-After.
type hintedBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (h *hintedBackOff) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if h.hint > d {
		d = h.hint
	}
	h.hint = 0
	return d
}
