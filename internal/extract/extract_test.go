package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mboyajeffers/etl-framework/internal/cache"
	"github.com/mboyajeffers/etl-framework/internal/checkpoint"
	"github.com/mboyajeffers/etl-framework/internal/table"
)

func fastConfig(url string) Config {
	return Config{
		Name:           "test.pipeline",
		Source:         "test",
		BaseURL:        url,
		MaxAttempts:    3,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
		CallTimeout:    2 * time.Second,
	}
}

func TestFetchRetriesTransientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	b := NewBase(fastConfig(srv.URL))
	body, err := b.Fetch(context.Background(), Request{Path: "/x"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(body))
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, int64(2), b.Stats().Retries)
	assert.Equal(t, int64(3), b.Stats().APICalls)
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewBase(fastConfig(srv.URL)).Fetch(context.Background(), Request{Path: "/x"})
	var transient *TransientSourceError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, http.StatusBadGateway, transient.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestFetchDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := NewBase(fastConfig(srv.URL)).Fetch(context.Background(), Request{Path: "/missing"})
	var status *StatusError
	require.ErrorAs(t, err, &status)
	assert.Equal(t, http.StatusNotFound, status.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchHonoursRetryAfter(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	start := time.Now()
	_, err := NewBase(fastConfig(srv.URL)).Fetch(context.Background(), Request{Path: "/x"})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), time.Second)
}

func TestFetchCallTimeoutCountsAsAttempt(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			time.Sleep(200 * time.Millisecond)
		}
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.CallTimeout = 50 * time.Millisecond
	_, err := NewBase(cfg).Fetch(context.Background(), Request{Path: "/slow"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetchSendsUserAgentAndAPIKey(t *testing.T) {
	var gotUA, gotKey, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.UserAgent()
		gotKey = r.URL.Query().Get("api_key")
		gotHeader = r.Header.Get("X-Api-Key")
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.APIKey = "s3cret"
	cfg.APIKeyParam = "api_key"
	cfg.APIKeyHeader = "X-Api-Key"
	_, err := NewBase(cfg).Fetch(context.Background(), Request{Path: "/x"})
	require.NoError(t, err)
	assert.Equal(t, DefaultUserAgent, gotUA)
	assert.Equal(t, "s3cret", gotKey)
	assert.Equal(t, "s3cret", gotHeader)
}

func TestRateLimitSpacesCallStarts(t *testing.T) {
	var mu sync.Mutex
	var starts []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		starts = append(starts, time.Now())
		mu.Unlock()
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	cfg := fastConfig(srv.URL)
	cfg.MinInterval = 60 * time.Millisecond
	b := NewBase(cfg)
	for i := 0; i < 4; i++ {
		_, err := b.Fetch(context.Background(), Request{Path: "/x", Params: map[string]string{"i": strconv.Itoa(i)}})
		require.NoError(t, err)
	}

	require.Len(t, starts, 4)
	for i := 1; i < len(starts); i++ {
		assert.GreaterOrEqual(t, starts[i].Sub(starts[i-1]), 50*time.Millisecond)
	}
}

func TestCacheHitBypassesRateLimit(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"v":1}`))
	}))
	defer srv.Close()

	c, err := cache.New(cache.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	defer c.Close()

	cfg := fastConfig(srv.URL)
	cfg.MinInterval = time.Hour
	cfg.CacheTTL = time.Hour
	b := NewBase(cfg, WithCache(c))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req := Request{Path: "/coins", Params: map[string]string{"page": "1"}}
	_, err = b.Fetch(ctx, req)
	require.NoError(t, err)
	body, err := b.Fetch(ctx, req)
	require.NoError(t, err)

	assert.JSONEq(t, `{"v":1}`, string(body))
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(1), b.Stats().CacheHits)
}

// pagedServer serves `pages` pages of `size` records; pages listed in fail
// answer 404.
func pagedServer(t *testing.T, pages, size int, fail map[int]bool, hits *sync.Map) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		if hits != nil {
			n, _ := hits.LoadOrStore(page, new(atomic.Int32))
			n.(*atomic.Int32).Add(1)
		}
		if fail[page] {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		items := []map[string]any{}
		if page <= pages {
			for i := 0; i < size; i++ {
				items = append(items, map[string]any{"id": fmt.Sprintf("p%d-%d", page, i)})
			}
		}
		json.NewEncoder(w).Encode(map[string]any{"results": items, "total_pages": pages})
	}))
}

func pagedSpec() PagedSpec {
	return PagedSpec{
		Path:          "/items",
		PageParam:     "page",
		PageSizeParam: "per_page",
		PageSize:      10,
		TotalPages:    "total_pages",
		Records:       "results",
	}
}

func TestPagedExtractionReadsAllPages(t *testing.T) {
	srv := pagedServer(t, 5, 10, nil, nil)
	defer srv.Close()

	e := NewPaged(NewBase(fastConfig(srv.URL)), pagedSpec())
	res, err := e.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, res.Partial)
	assert.Len(t, res.Records, 50)
	assert.Equal(t, 5, res.Metadata.PagesFetched)
	assert.Equal(t, 50, res.Metadata.RecordCount)
	assert.Equal(t, "test", res.Metadata.Source)
}

func TestPagedExtractionStopsAtMaxRecords(t *testing.T) {
	srv := pagedServer(t, 5, 10, nil, nil)
	defer srv.Close()

	e := NewPaged(NewBase(fastConfig(srv.URL)), pagedSpec())
	res, err := e.Extract(context.Background(), Params{"max_records": 25})
	require.NoError(t, err)
	assert.Len(t, res.Records, 25)
	assert.Equal(t, 3, res.Metadata.PagesFetched)
}

func TestPagedExtractionShortPageEnds(t *testing.T) {
	srv := pagedServer(t, 2, 4, nil, nil)
	defer srv.Close()

	e := NewPaged(NewBase(fastConfig(srv.URL)), pagedSpec())
	res, err := e.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 4)
	assert.Equal(t, 1, res.Metadata.PagesFetched)
}

func TestPartialExtractionKeepsEarlierPages(t *testing.T) {
	srv := pagedServer(t, 5, 10, map[int]bool{3: true}, nil)
	defer srv.Close()

	e := NewPaged(NewBase(fastConfig(srv.URL)), pagedSpec())
	res, err := e.Extract(context.Background(), nil)
	require.NoError(t, err)
	require.True(t, res.Partial)
	assert.Len(t, res.Records, 20)

	var partial *PartialExtractionError
	require.ErrorAs(t, res.Err, &partial)
	assert.Equal(t, 3, partial.Page)
	assert.Equal(t, 20, partial.Collected)
	assert.NotEmpty(t, res.Warnings)
}

func TestExtractionWithNoRecordsFails(t *testing.T) {
	srv := pagedServer(t, 5, 10, map[int]bool{1: true}, nil)
	defer srv.Close()

	e := NewPaged(NewBase(fastConfig(srv.URL)), pagedSpec())
	res, err := e.Extract(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestCheckpointResumesFromFailedPage(t *testing.T) {
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	failing := pagedServer(t, 5, 10, map[int]bool{3: true}, nil)
	spec := pagedSpec()
	spec.CheckpointEvery = 1
	first, err := NewPaged(NewBase(fastConfig(failing.URL), WithCheckpoints(mgr)), spec).Extract(context.Background(), nil)
	failing.Close()
	require.NoError(t, err)
	require.True(t, first.Partial)

	var hits sync.Map
	healthy := pagedServer(t, 5, 10, nil, &hits)
	defer healthy.Close()
	second, err := NewPaged(NewBase(fastConfig(healthy.URL), WithCheckpoints(mgr)), spec).Extract(context.Background(), nil)
	require.NoError(t, err)

	assert.False(t, second.Partial)
	assert.Len(t, second.Records, 50)
	assert.Equal(t, 2, second.Metadata.ResumedFromPage)
	_, refetchedFirst := hits.Load(1)
	assert.False(t, refetchedFirst, "page 1 should come from the checkpoint")

	_, err = mgr.Load(context.Background(), "test.pipeline")
	assert.ErrorIs(t, err, checkpoint.ErrNoCheckpoint, "complete extraction clears the checkpoint")
}

func TestCheckpointFromOtherParamsIsDiscarded(t *testing.T) {
	mgr, err := checkpoint.NewManager(checkpoint.Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	spec := pagedSpec()
	spec.CheckpointEvery = 1
	failing := pagedServer(t, 5, 10, map[int]bool{3: true}, nil)
	first, err := NewPaged(NewBase(fastConfig(failing.URL), WithCheckpoints(mgr)), spec).
		Extract(context.Background(), Params{"vs_currency": "usd"})
	failing.Close()
	require.NoError(t, err)
	require.True(t, first.Partial)

	var hits sync.Map
	healthy := pagedServer(t, 5, 10, nil, &hits)
	defer healthy.Close()
	second, err := NewPaged(NewBase(fastConfig(healthy.URL), WithCheckpoints(mgr)), spec).
		Extract(context.Background(), Params{"vs_currency": "eur"})
	require.NoError(t, err)

	assert.Len(t, second.Records, 50)
	assert.Zero(t, second.Metadata.ResumedFromPage)
	_, fetchedFirst := hits.Load(1)
	assert.True(t, fetchedFirst, "a fresh extraction starts at page 1")
}

func TestPaginationObservesCancellation(t *testing.T) {
	b := NewBase(fastConfig("http://unused"))
	ctx, cancel := context.WithCancel(context.Background())

	calls := 0
	res, err := b.Paginate(ctx, func(ctx context.Context, cursor string) (Page, error) {
		calls++
		if calls == 2 {
			cancel()
		}
		return Page{Records: []table.Row{{"n": calls}}, Next: "more"}, nil
	}, PaginateOptions{})

	assert.Nil(t, res)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 2, calls)
}

func TestCursorPagination(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("cursor") {
		case "":
			w.Write([]byte(`{"data":{"items":[{"id":1},{"id":2}]},"next":"abc"}`))
		case "abc":
			w.Write([]byte(`{"data":{"items":[{"id":3}]},"next":null}`))
		default:
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	e := NewPaged(NewBase(fastConfig(srv.URL)), PagedSpec{
		Path:        "/feed",
		CursorParam: "cursor",
		NextCursor:  "next",
		Records:     "data.items",
	})
	res, err := e.Extract(context.Background(), nil)
	require.NoError(t, err)
	assert.Len(t, res.Records, 3)
	assert.Equal(t, 2, res.Metadata.PagesFetched)
}

func TestParamsAccessors(t *testing.T) {
	p := Params{"n": float64(5), "s": "x", "i": "7"}
	assert.Equal(t, 5, p.Int("n", 0))
	assert.Equal(t, 7, p.Int("i", 0))
	assert.Equal(t, 9, p.Int("missing", 9))
	assert.Equal(t, "x", p.String("s", ""))
	assert.Equal(t, "5", p.String("n", ""))
	merged := p.Merge(Params{"s": "y"})
	assert.Equal(t, "y", merged.String("s", ""))
	assert.Equal(t, "x", p.String("s", ""))
}
