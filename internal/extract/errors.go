package extract

import (
	"fmt"
	"time"
)

// TransientSourceError is a retryable failure: HTTP 429, 5xx, a connection
// error or a call timeout. It only escapes Fetch once retries are exhausted.
type TransientSourceError struct {
	URL        string
	StatusCode int // 0 for transport errors
	RetryAfter time.Duration
	Err        error
}

func (e *TransientSourceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transient source error: %s: HTTP %d", e.URL, e.StatusCode)
	}
	return fmt.Sprintf("transient source error: %s: %v", e.URL, e.Err)
}

func (e *TransientSourceError) Unwrap() error { return e.Err }

// StatusError is a non-retryable HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("source returned HTTP %d for %s: %s", e.StatusCode, e.URL, e.Body)
}

// PartialExtractionError reports that a page failed after some records
// were already collected.
type PartialExtractionError struct {
	Page      int
	Collected int
	Err       error
}

func (e *PartialExtractionError) Error() string {
	return fmt.Sprintf("partial extraction: page %d failed after %d records: %v", e.Page, e.Collected, e.Err)
}

func (e *PartialExtractionError) Unwrap() error { return e.Err }
