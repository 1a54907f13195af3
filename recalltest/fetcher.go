package recalltest

import (
	"context"
	"sync"
)

// Fetcher is a recall.Fetcher that serves canned payloads and counts calls
// per URL.
type Fetcher struct {
	mu       sync.Mutex
	payloads map[string]string
	errs     map[string]error
	calls    map[string]int
	fallback func(url string) string
}

// NewFetcher returns a Fetcher answering every URL with fallback(url). A nil
// fallback answers with "payload:<url>".
func NewFetcher(fallback func(url string) string) *Fetcher {
	if fallback == nil {
		fallback = func(url string) string { return "payload:" + url }
	}
	return &Fetcher{
		payloads: map[string]string{},
		errs:     map[string]error{},
		calls:    map[string]int{},
		fallback: fallback,
	}
}

// Serve sets the payload returned for url.
func (f *Fetcher) Serve(url, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads[url] = payload
	delete(f.errs, url)
}

// Fail makes fetches of url return err.
func (f *Fetcher) Fail(url string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[url] = err
}

// Fetch implements recall.Fetcher.
func (f *Fetcher) Fetch(_ context.Context, url string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if err, ok := f.errs[url]; ok {
		return "", err
	}
	if payload, ok := f.payloads[url]; ok {
		return payload, nil
	}
	return f.fallback(url), nil
}

// Calls reports how many times url was fetched.
func (f *Fetcher) Calls(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}
