package recall

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

var testEncryptionKey = []byte("01234567890123456789012345678901")

func TestEncryptingStoreRoundTrip(t *testing.T) {
	base := newMemoryStore(defaultMemoryCleanupInterval)
	store, err := newEncryptingStore(base, testEncryptionKey)
	if err != nil {
		t.Fatalf("encrypting store: %v", err)
	}
	ctx := context.Background()
	if err := store.Set(ctx, "k", []byte("secret"), time.Minute); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	raw, _, _ := base.Get(ctx, "k")
	if strings.Contains(string(raw), "secret") {
		t.Fatalf("expected ciphertext at rest")
	}
	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(got) != "secret" {
		t.Fatalf("unexpected get: ok=%v err=%v val=%s", ok, err, string(got))
	}
}

func TestEncryptingStoreSealsListElements(t *testing.T) {
	base := newMemoryStore(defaultMemoryCleanupInterval)
	store, _ := newEncryptingStore(base, testEncryptionKey)
	ctx := context.Background()

	for _, v := range []string{`["a"]`, `["b"]`} {
		if _, err := store.Append(ctx, "log", []byte(v)); err != nil {
			t.Fatalf("append failed: %v", err)
		}
	}
	raw, _ := base.Range(ctx, "log", 0, -1)
	if string(raw[0]) == `["a"]` {
		t.Fatalf("expected list element encrypted at rest")
	}
	items, err := store.Range(ctx, "log", 0, -1)
	if err != nil || len(items) != 2 || string(items[0]) != `["a"]` || string(items[1]) != `["b"]` {
		t.Fatalf("unexpected range: %q err=%v", items, err)
	}

	// Counters stay plaintext so the backend can increment them.
	if n, err := store.Increment(ctx, "calls", 2); err != nil || n != 2 {
		t.Fatalf("increment failed: n=%d err=%v", n, err)
	}
	if body, _, _ := base.Get(ctx, "calls"); string(body) != "2" {
		t.Fatalf("expected plaintext counter, got %q", body)
	}
}

func TestEncryptingStoreDecryptError(t *testing.T) {
	base := newMemoryStore(defaultMemoryCleanupInterval)
	store, _ := newEncryptingStore(base, testEncryptionKey)
	ctx := context.Background()
	base.(*memoryStore).cache.Set("k", []byte("ENC1\x0cbadbadbadbadciphertext"), time.Minute)
	if _, _, err := store.Get(ctx, "k"); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected decrypt error, got %v", err)
	}
	base.(*memoryStore).cache.Set("short", []byte("ENC1\x20x"), time.Minute)
	if _, _, err := store.Get(ctx, "short"); !errors.Is(err, ErrDecryptFailed) {
		t.Fatalf("expected decrypt error for truncated nonce, got %v", err)
	}
}

func TestEncryptingStoreUnsupportedKey(t *testing.T) {
	_, err := newEncryptingStore(newMemoryStore(defaultMemoryCleanupInterval), []byte("short"))
	if !errors.Is(err, ErrEncryptionKey) {
		t.Fatalf("expected key error, got %v", err)
	}
}

func TestEncryptingStorePassThroughWhenDisabled(t *testing.T) {
	base := newMemoryStore(defaultMemoryCleanupInterval)
	store, err := newEncryptingStore(base, nil)
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if store != base {
		t.Fatalf("expected identity when no key")
	}
}
