package recall

import (
	"context"
	"time"
)

// shapingStore applies compression and size limits to values and list
// elements. Counters pass through untouched.
type shapingStore struct {
	inner Store
	codec CompressionCodec
	max   int
}

func newShapingStore(inner Store, codec CompressionCodec, max int) Store {
	if (codec == CompressionNone || codec == "") && max <= 0 {
		return inner
	}
	return &shapingStore{inner: inner, codec: codec, max: max}
}

func (s *shapingStore) Driver() Driver { return s.inner.Driver() }

func (s *shapingStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	body, ok, err := s.inner.Get(ctx, key)
	if err != nil || !ok {
		return body, ok, err
	}
	decoded, err := decodeValue(body)
	if err != nil {
		return nil, false, err
	}
	return decoded, true, nil
}

func (s *shapingStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	encoded, err := encodeValue(s.codec, s.max, value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, encoded, ttl)
}

func (s *shapingStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	return s.inner.Increment(ctx, key, delta)
}

func (s *shapingStore) Append(ctx context.Context, key string, value []byte) (int64, error) {
	encoded, err := encodeValue(s.codec, s.max, value)
	if err != nil {
		return 0, err
	}
	return s.inner.Append(ctx, key, encoded)
}

func (s *shapingStore) Range(ctx context.Context, key string, start, stop int64) ([][]byte, error) {
	items, err := s.inner.Range(ctx, key, start, stop)
	if err != nil {
		return nil, err
	}
	for i, item := range items {
		decoded, err := decodeValue(item)
		if err != nil {
			return nil, err
		}
		items[i] = decoded
	}
	return items, nil
}

func (s *shapingStore) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

func (s *shapingStore) DeleteMany(ctx context.Context, keys ...string) error {
	return s.inner.DeleteMany(ctx, keys...)
}

func (s *shapingStore) Flush(ctx context.Context) error {
	return s.inner.Flush(ctx)
}
