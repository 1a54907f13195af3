package recall

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Fetcher retrieves the payload behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc func(ctx context.Context, url string) (string, error)

// Fetch implements Fetcher.
func (f FetcherFunc) Fetch(ctx context.Context, url string) (string, error) {
	return f(ctx, url)
}

// CountKey is the key holding the request counter for url.
func CountKey(url string) string { return "count:" + url }

// CachedFetcher serves payloads from the store while they are fresh and
// counts every request per URL.
type CachedFetcher struct {
	store     Store
	fetcher   Fetcher
	freshness time.Duration
	logger    *slog.Logger
	observer  Observer
}

// FetchOption configures a CachedFetcher.
type FetchOption func(*CachedFetcher)

// WithFreshness sets how long a fetched payload is served from the store.
// Non-positive values keep DefaultFreshness.
func WithFreshness(d time.Duration) FetchOption {
	return func(f *CachedFetcher) {
		if d > 0 {
			f.freshness = d
		}
	}
}

// WithFetchLogger sets the logger used for hit/miss debug output.
func WithFetchLogger(l *slog.Logger) FetchOption {
	return func(f *CachedFetcher) {
		if l != nil {
			f.logger = l
		}
	}
}

// NewCachedFetcher wraps fetcher with a store-backed freshness window.
// A nil fetcher uses an HTTPFetcher with default settings.
// @group Fetch
//
// Example: memoized fetch
//
//	ctx := context.Background()
//	f := recall.NewCachedFetcher(recall.NewMemoryStore(ctx), recall.FetcherFunc(func(_ context.Context, url string) (string, error) {
//		return "<html>" + url + "</html>", nil
//	}))
//	_, _ = f.Fetch("http://example.com")
//	_, _ = f.Fetch("http://example.com")
//	n, _ := f.Count(ctx, "http://example.com")
//	fmt.Println(n) // 2
func NewCachedFetcher(store Store, fetcher Fetcher, opts ...FetchOption) *CachedFetcher {
	if fetcher == nil {
		fetcher = NewHTTPFetcher(nil, 0)
	}
	f := &CachedFetcher{
		store:     store,
		fetcher:   fetcher,
		freshness: DefaultFreshness,
		logger:    slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// WithObserver attaches an observer to receive fetch events.
func (f *CachedFetcher) WithObserver(o Observer) *CachedFetcher {
	f.observer = o
	return f
}

// Freshness reports the window a payload is served from the store.
func (f *CachedFetcher) Freshness() time.Duration { return f.freshness }

// Fetch returns the payload for url, from the store while fresh.
// @group Fetch
func (f *CachedFetcher) Fetch(url string) (string, error) {
	return f.FetchCtx(context.Background(), url)
}

// FetchCtx counts the request, serves a fresh cached payload when present,
// and otherwise fetches and stores it for the freshness window. Fetch errors
// propagate and nothing is cached.
func (f *CachedFetcher) FetchCtx(ctx context.Context, url string) (string, error) {
	start := time.Now()
	if _, err := f.store.Increment(ctx, CountKey(url), 1); err != nil {
		f.observe(ctx, url, false, err, start)
		return "", fmt.Errorf("count request for %s: %w", url, err)
	}

	body, ok, err := f.store.Get(ctx, url)
	if err != nil {
		f.observe(ctx, url, false, err, start)
		return "", err
	}
	if ok {
		f.logger.DebugContext(ctx, "fetch cache hit", "url", url)
		f.observe(ctx, url, true, nil, start)
		return string(body), nil
	}

	f.logger.DebugContext(ctx, "fetch cache miss", "url", url)
	payload, err := f.fetcher.Fetch(ctx, url)
	if err != nil {
		f.observe(ctx, url, false, err, start)
		return "", err
	}
	if err := f.store.Set(ctx, url, []byte(payload), f.freshness); err != nil {
		f.observe(ctx, url, false, err, start)
		return "", fmt.Errorf("cache payload for %s: %w", url, err)
	}
	f.observe(ctx, url, false, nil, start)
	return payload, nil
}

// Count reads the request counter for url. A URL never fetched counts zero.
// @group Fetch
func (f *CachedFetcher) Count(ctx context.Context, url string) (int64, error) {
	return readCounter(ctx, f.store, CountKey(url))
}

func (f *CachedFetcher) observe(ctx context.Context, url string, hit bool, err error, start time.Time) {
	if f.observer == nil {
		return
	}
	f.observer.OnCacheOp(ctx, "fetch", url, hit, err, time.Since(start), f.store.Driver())
}

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: unexpected status %s", e.URL, e.Status)
}

// HTTPFetcher fetches URLs with GET and returns the response body as text.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher builds an HTTPFetcher whose transport logs every request to
// logger. A nil logger disables request logging; timeout <= 0 means 30s.
func NewHTTPFetcher(logger *slog.Logger, timeout time.Duration) *HTTPFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &HTTPFetcher{
		Client: &http.Client{
			Transport: newLoggingTransport(nil, logger),
			Timeout:   timeout,
		},
	}
}

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, url string) (string, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return "", &StatusError{URL: url, StatusCode: resp.StatusCode, Status: resp.Status}
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	return string(body), nil
}

type loggingTransport struct {
	transport http.RoundTripper
	logger    *slog.Logger
}

func newLoggingTransport(transport http.RoundTripper, logger *slog.Logger) *loggingTransport {
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 2,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &loggingTransport{transport: transport, logger: logger}
}

func (t *loggingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()
	t.logger.InfoContext(req.Context(), "HTTP client request started",
		"method", req.Method,
		"url", req.URL.String(),
	)

	resp, err := t.transport.RoundTrip(req)
	elapsed := time.Since(start)
	if err != nil {
		t.logger.ErrorContext(req.Context(), "HTTP client request failed",
			"method", req.Method,
			"url", req.URL.String(),
			"error", err.Error(),
			"elapsed_time", elapsed,
		)
		return nil, err
	}

	t.logger.InfoContext(req.Context(), "HTTP client request completed",
		"method", req.Method,
		"url", req.URL.String(),
		"status_code", resp.StatusCode,
		"content_length", resp.ContentLength,
		"elapsed_time", elapsed,
	)
	return resp, nil
}
