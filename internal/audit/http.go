package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/mboyajeffers/etl-framework/internal/logging"
)

// HTTPEmitter posts events to an endpoint, keeping a local copy first.
type HTTPEmitter struct {
	endpoint string
	client   *http.Client
	backup   *FileEmitter
	attempts uint64
	initial  time.Duration
	log      *slog.Logger
}

// NewHTTPEmitter creates an HTTP emitter. backup holds the chain and the
// local event copies.
func NewHTTPEmitter(endpoint string, timeout time.Duration, backup *FileEmitter) *HTTPEmitter {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPEmitter{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		backup:   backup,
		attempts: 3,
		initial:  time.Second,
		log:      logging.Component("audit"),
	}
}

// Emit seals evt against the local chain, backs it up, then posts it. The
// chain head only advances after a successful post.
func (e *HTTPEmitter) Emit(ctx context.Context, evt *Event) error {
	if err := seal(e.backup.chain, evt, e.log); err != nil {
		return err
	}
	if err := e.backup.save(evt); err != nil {
		e.log.Warn("audit backup failed", "error", err)
	}
	if err := e.postWithRetry(ctx, evt); err != nil {
		return fmt.Errorf("audit emit failed: %w", err)
	}
	if err := e.backup.chain.SetHead(evt.ChainKey(), evt.Chain.EventHash); err != nil {
		e.log.Warn("failed to update chain head", "error", err)
	}
	return nil
}

func (e *HTTPEmitter) postWithRetry(ctx context.Context, evt *Event) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.initial
	exp.MaxElapsedTime = 0
	bo := backoff.WithContext(backoff.WithMaxRetries(exp, e.attempts-1), ctx)

	return backoff.RetryNotify(func() error {
		return e.post(ctx, evt)
	}, bo, func(err error, wait time.Duration) {
		e.log.Warn("audit post failed, retrying", "error", err, "wait", wait)
	})
}

func (e *HTTPEmitter) post(ctx context.Context, evt *Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("marshal event: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		e.log.Debug("audit event posted", "endpoint", e.endpoint, "status", resp.StatusCode)
		return nil
	}
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err = fmt.Errorf("http %d: %s", resp.StatusCode, respBody)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

// Close releases resources.
func (e *HTTPEmitter) Close() error {
	return e.backup.Close()
}
