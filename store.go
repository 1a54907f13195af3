package recall

import (
	"context"
	"time"
)

// Store is the backing key-value contract every recall component builds on.
//
// Implementations must provide an atomic Increment and an order-preserving
// Append; everything else in this package relies on those two guarantees.
// A ttl <= 0 passed to Set means the value does not expire.
type Store interface {
	Driver() Driver
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Increment(ctx context.Context, key string, delta int64) (int64, error)
	// Append adds value to the tail of the list at key and returns the new length.
	Append(ctx context.Context, key string, value []byte) (int64, error)
	// Range returns list elements between start and stop inclusive. Negative
	// indexes count from the tail, so Range(ctx, key, 0, -1) returns the whole list.
	Range(ctx context.Context, key string, start, stop int64) ([][]byte, error)
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys ...string) error
	Flush(ctx context.Context) error
}

// rangeBounds normalizes inclusive start/stop list indexes against a list of
// length n and returns a half-open [lo, hi) window.
func rangeBounds(n, start, stop int64) (lo, hi int64, ok bool) {
	if n == 0 {
		return 0, 0, false
	}
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return 0, 0, false
	}
	return start, stop + 1, true
}

func sliceRange(items [][]byte, start, stop int64) [][]byte {
	lo, hi, ok := rangeBounds(int64(len(items)), start, stop)
	if !ok {
		return [][]byte{}
	}
	out := make([][]byte, 0, hi-lo)
	for _, item := range items[lo:hi] {
		out = append(out, cloneBytes(item))
	}
	return out
}

func cloneBytes(value []byte) []byte {
	if value == nil {
		return nil
	}
	clone := make([]byte, len(value))
	copy(clone, value)
	return clone
}
