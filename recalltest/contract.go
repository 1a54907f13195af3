package recalltest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/goforj/recall"
)

// Options configures shared store contract checks.
type Options struct {
	// CaseName is used to namespace keys. Defaults to t.Name().
	CaseName string
	// SkipCloneCheck disables the "get returns a cloned value" assertion.
	SkipCloneCheck bool
	// TTL controls the expiry duration used in TTL tests.
	TTL time.Duration
	// TTLWait is how long the harness waits for expiry to occur.
	TTLWait time.Duration
	// Advance moves a fake clock forward. When set, expiry is checked by
	// advancing past TTL instead of polling.
	Advance func(time.Duration)
	// SkipFlush disables the flush assertion for drivers where it is expensive or unavailable.
	SkipFlush bool
}

// RunStoreContract runs a backend-agnostic store contract suite.
func RunStoreContract(t *testing.T, store recall.Store, opts Options) {
	t.Helper()

	caseName := opts.CaseName
	if caseName == "" {
		caseName = t.Name()
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = 50 * time.Millisecond
	}
	wait := opts.TTLWait
	if wait <= 0 {
		wait = 120 * time.Millisecond
	}

	ctx := context.Background()
	key := func(s string) string {
		return sanitize(caseName) + ":" + s
	}

	// Set/Get round-trip.
	if err := store.Set(ctx, key("alpha"), []byte("value"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	body, ok, err := store.Get(ctx, key("alpha"))
	if err != nil || !ok || string(body) != "value" {
		t.Fatalf("unexpected get result: ok=%v body=%q err=%v", ok, string(body), err)
	}
	if !opts.SkipCloneCheck {
		body[0] = 'X'
		body2, ok2, err2 := store.Get(ctx, key("alpha"))
		if err2 != nil || !ok2 || string(body2) != "value" {
			t.Fatalf("expected stored value unchanged, got ok=%v body=%q err=%v", ok2, string(body2), err2)
		}
	}

	// Absent keys are a miss, not an error.
	if _, ok, err := store.Get(ctx, key("never-set")); err != nil || ok {
		t.Fatalf("expected miss for unknown key; ok=%v err=%v", ok, err)
	}

	// TTL expiry; ttl 0 never expires.
	if err := store.Set(ctx, key("ttl"), []byte("v"), ttl); err != nil {
		t.Fatalf("set ttl failed: %v", err)
	}
	if opts.Advance != nil {
		opts.Advance(ttl + time.Millisecond)
		if _, ok, err := store.Get(ctx, key("ttl")); err != nil || ok {
			t.Fatalf("expected ttl expiry after advancing clock; ok=%v err=%v", ok, err)
		}
	} else if err := waitForMiss(ctx, store, key("ttl"), wait); err != nil {
		t.Fatalf("expected ttl expiry: %v", err)
	}
	if _, ok, err := store.Get(ctx, key("alpha")); err != nil || !ok {
		t.Fatalf("expected value without ttl to persist; ok=%v err=%v", ok, err)
	}

	// Counters.
	n, err := store.Increment(ctx, key("counter"), 3)
	if err != nil || n != 3 {
		t.Fatalf("expected increment=3, got %d err=%v", n, err)
	}
	n, err = store.Increment(ctx, key("counter"), -1)
	if err != nil || n != 2 {
		t.Fatalf("expected increment=2, got %d err=%v", n, err)
	}
	body, ok, err = store.Get(ctx, key("counter"))
	if err != nil || !ok || string(body) != "2" {
		t.Fatalf("expected counter readable as \"2\", got ok=%v body=%q err=%v", ok, string(body), err)
	}
	if _, err := store.Increment(ctx, key("alpha"), 1); !errors.Is(err, recall.ErrNotNumeric) {
		t.Fatalf("expected ErrNotNumeric incrementing text, got %v", err)
	}

	// Lists.
	for i, v := range []string{"a", "b", "c"} {
		n, err := store.Append(ctx, key("list"), []byte(v))
		if err != nil || n != int64(i+1) {
			t.Fatalf("append %q: len=%d err=%v", v, n, err)
		}
	}
	assertRange(t, store, key("list"), 0, -1, "a", "b", "c")
	assertRange(t, store, key("list"), 1, 1, "b")
	assertRange(t, store, key("list"), -2, -1, "b", "c")
	assertRange(t, store, key("list"), 0, 10, "a", "b", "c")
	assertRange(t, store, key("list"), 5, 10)
	assertRange(t, store, key("missing-list"), 0, -1)

	// Delete and DeleteMany.
	if err := store.Set(ctx, key("a"), []byte("1"), 0); err != nil {
		t.Fatalf("set a failed: %v", err)
	}
	if err := store.Set(ctx, key("b"), []byte("2"), 0); err != nil {
		t.Fatalf("set b failed: %v", err)
	}
	if err := store.Delete(ctx, key("a")); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := store.DeleteMany(ctx, key("b"), key("list")); err != nil {
		t.Fatalf("delete many failed: %v", err)
	}
	if err := store.DeleteMany(ctx); err != nil {
		t.Fatalf("empty delete many failed: %v", err)
	}
	if _, ok, err := store.Get(ctx, key("a")); err != nil || ok {
		t.Fatalf("expected key a deleted; ok=%v err=%v", ok, err)
	}
	if _, ok, err := store.Get(ctx, key("b")); err != nil || ok {
		t.Fatalf("expected key b deleted; ok=%v err=%v", ok, err)
	}
	assertRange(t, store, key("list"), 0, -1)
	if err := store.Delete(ctx, key("never-set")); err != nil {
		t.Fatalf("delete of unknown key failed: %v", err)
	}

	// Flush.
	if !opts.SkipFlush {
		if err := store.Set(ctx, key("flush"), []byte("x"), 0); err != nil {
			t.Fatalf("set flush failed: %v", err)
		}
		if _, err := store.Append(ctx, key("flush-list"), []byte("x")); err != nil {
			t.Fatalf("append flush failed: %v", err)
		}
		if err := store.Flush(ctx); err != nil {
			t.Fatalf("flush failed: %v", err)
		}
		if _, ok, err := store.Get(ctx, key("flush")); err != nil || ok {
			t.Fatalf("expected flush to clear key; ok=%v err=%v", ok, err)
		}
		assertRange(t, store, key("flush-list"), 0, -1)
	}
}

func assertRange(t *testing.T, store recall.Store, key string, start, stop int64, want ...string) {
	t.Helper()
	items, err := store.Range(context.Background(), key, start, stop)
	if err != nil {
		t.Fatalf("range %s[%d:%d] failed: %v", key, start, stop, err)
	}
	got := make([]string, len(items))
	for i, item := range items {
		got[i] = string(item)
	}
	if strings.Join(got, ",") != strings.Join(want, ",") || len(got) != len(want) {
		t.Fatalf("range %s[%d:%d] = %q, want %q", key, start, stop, got, want)
	}
}

func waitForMiss(ctx context.Context, store recall.Store, key string, wait time.Duration) error {
	deadline := time.Now().Add(wait)
	for time.Now().Before(deadline) {
		_, ok, err := store.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	_, ok, err := store.Get(ctx, key)
	if err != nil {
		return err
	}
	if ok {
		return fmt.Errorf("key %q still present after %s", key, wait)
	}
	return nil
}

func sanitize(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, " ", "_")
	return s
}
