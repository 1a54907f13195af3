package recall

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// StoreIdentity is the operation identity Cache.Store calls are recorded under.
const StoreIdentity = "Cache.Store"

// Cache stores values under generated keys and reads them back with an
// explicit Decoder. Every Store call is counted and logged by its Recorder.
type Cache struct {
	store    Store
	recorder *Recorder
	observer Observer
	storeOp  Operation[any, string]
	newKey   func() string
}

// CacheOption configures a Cache.
type CacheOption func(*cacheOptions)

type cacheOptions struct {
	recorderOpts []RecorderOption
	flushOnStart bool
	newKey       func() string
}

// WithRecorderOptions configures the Recorder the cache records Store calls with.
func WithRecorderOptions(opts ...RecorderOption) CacheOption {
	return func(o *cacheOptions) {
		o.recorderOpts = append(o.recorderOpts, opts...)
	}
}

// FlushOnStart makes OpenCache clear the backing store before returning.
func FlushOnStart() CacheOption {
	return func(o *cacheOptions) {
		o.flushOnStart = true
	}
}

// WithKeyFunc overrides UUIDv4 key generation. Keys must never repeat.
func WithKeyFunc(fn func() string) CacheOption {
	return func(o *cacheOptions) {
		if fn != nil {
			o.newKey = fn
		}
	}
}

// NewCache creates a cache bound to store.
// @group Cache
//
// Example: store and read back
//
//	ctx := context.Background()
//	c := recall.NewCache(recall.NewMemoryStore(ctx))
//	key, _ := c.Store(42)
//	n, ok, _ := c.GetInt(key)
//	fmt.Println(ok, n) // true 42
func NewCache(store Store, opts ...CacheOption) *Cache {
	o := cacheOptions{newKey: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	return newCache(store, o)
}

// OpenCache is NewCache plus start-up work that can fail, namely FlushOnStart.
// @group Cache
func OpenCache(ctx context.Context, store Store, opts ...CacheOption) (*Cache, error) {
	o := cacheOptions{newKey: uuid.NewString}
	for _, opt := range opts {
		opt(&o)
	}
	c := newCache(store, o)
	if o.flushOnStart {
		if err := c.FlushCtx(ctx); err != nil {
			return nil, fmt.Errorf("flush on start: %w", err)
		}
	}
	return c, nil
}

func newCache(store Store, o cacheOptions) *Cache {
	c := &Cache{
		store:    store,
		recorder: NewRecorder(store, o.recorderOpts...),
		newKey:   o.newKey,
	}
	c.storeOp = Record(c.recorder, StoreIdentity, c.put)
	return c
}

// WithObserver attaches an observer to receive operation events.
func (c *Cache) WithObserver(o Observer) *Cache {
	c.observer = o
	return c
}

// Recorder returns the recorder Store calls are recorded with.
func (c *Cache) Recorder() *Recorder { return c.recorder }

// Driver reports the underlying store driver.
// @group Cache
func (c *Cache) Driver() Driver { return c.store.Driver() }

// Store persists value under a fresh key with no expiry and returns the key.
// Supported values are strings, byte slices, integers and floats.
// @group Cache
func (c *Cache) Store(value any) (string, error) {
	return c.StoreCtx(context.Background(), value)
}

func (c *Cache) StoreCtx(ctx context.Context, value any) (string, error) {
	start := time.Now()
	key, err := c.storeOp(ctx, value)
	c.observe(ctx, "store", key, false, err, start)
	return key, err
}

func (c *Cache) put(ctx context.Context, value any) (string, error) {
	body, err := encodeStored(value)
	if err != nil {
		return "", err
	}
	key := c.newKey()
	if err := c.store.Set(ctx, key, body, 0); err != nil {
		return "", err
	}
	return key, nil
}

// Get reads key and decodes it with dec. An absent key returns ok == false
// and a nil error.
// @group Cache
//
// Example: decode mode
//
//	ctx := context.Background()
//	c := recall.NewCache(recall.NewMemoryStore(ctx))
//	key, _ := c.Store("42")
//	v, _, _ := c.Get(key, recall.AsInteger)
//	fmt.Println(v) // 42
func (c *Cache) Get(key string, dec Decoder) (any, bool, error) {
	return c.GetCtx(context.Background(), key, dec)
}

func (c *Cache) GetCtx(ctx context.Context, key string, dec Decoder) (any, bool, error) {
	start := time.Now()
	body, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		c.observe(ctx, "get", key, false, err, start)
		return nil, false, err
	}
	v, err := dec.decode(key, body)
	c.observe(ctx, "get", key, err == nil, err, start)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// GetString reads key as UTF-8 text.
// @group Cache
func (c *Cache) GetString(key string) (string, bool, error) {
	return c.GetStringCtx(context.Background(), key)
}

func (c *Cache) GetStringCtx(ctx context.Context, key string) (string, bool, error) {
	return getAs(ctx, c, "get_string", key, decodeText)
}

// GetInt reads key as a base-10 integer.
// @group Cache
func (c *Cache) GetInt(key string) (int64, bool, error) {
	return c.GetIntCtx(context.Background(), key)
}

func (c *Cache) GetIntCtx(ctx context.Context, key string) (int64, bool, error) {
	return getAs(ctx, c, "get_int", key, decodeInteger)
}

// GetFloat reads key as a floating point number.
// @group Cache
func (c *Cache) GetFloat(key string) (float64, bool, error) {
	return c.GetFloatCtx(context.Background(), key)
}

func (c *Cache) GetFloatCtx(ctx context.Context, key string) (float64, bool, error) {
	return getAs(ctx, c, "get_float", key, decodeFloat)
}

// GetBytes reads key without decoding.
// @group Cache
func (c *Cache) GetBytes(key string) ([]byte, bool, error) {
	return c.GetBytesCtx(context.Background(), key)
}

func (c *Cache) GetBytesCtx(ctx context.Context, key string) ([]byte, bool, error) {
	return getAs(ctx, c, "get_bytes", key, func(b []byte) ([]byte, error) { return b, nil })
}

// GetAs reads key and converts it with fn.
// @group Cache
func GetAs[T any](c *Cache, key string, fn func([]byte) (T, error)) (T, bool, error) {
	return GetAsCtx(context.Background(), c, key, fn)
}

// GetAsCtx is the context-aware variant of GetAs.
func GetAsCtx[T any](ctx context.Context, c *Cache, key string, fn func([]byte) (T, error)) (T, bool, error) {
	return getAs(ctx, c, "get_as", key, fn)
}

func getAs[T any](ctx context.Context, c *Cache, op, key string, fn func([]byte) (T, error)) (T, bool, error) {
	var zero T
	start := time.Now()
	body, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		c.observe(ctx, op, key, false, err, start)
		return zero, false, err
	}
	v, err := fn(body)
	if err != nil {
		err = &DecodeError{Key: key, Mode: modeName(op), Err: err}
		c.observe(ctx, op, key, false, err, start)
		return zero, false, err
	}
	c.observe(ctx, op, key, true, nil, start)
	return v, true, nil
}

// Flush clears the backing store, recorded history included.
// @group Cache
func (c *Cache) Flush() error {
	return c.FlushCtx(context.Background())
}

func (c *Cache) FlushCtx(ctx context.Context) error {
	start := time.Now()
	err := c.store.Flush(ctx)
	c.observe(ctx, "flush", "", false, err, start)
	return err
}

func (c *Cache) observe(ctx context.Context, op, key string, hit bool, err error, start time.Time) {
	if c.observer == nil {
		return
	}
	c.observer.OnCacheOp(ctx, op, key, hit, err, time.Since(start), c.store.Driver())
}

// encodeStored renders supported values the way they are persisted.
func encodeStored(value any) ([]byte, error) {
	switch v := value.(type) {
	case string:
		return []byte(v), nil
	case []byte:
		return cloneBytes(v), nil
	case int:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int8:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int16:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int32:
		return strconv.AppendInt(nil, int64(v), 10), nil
	case int64:
		return strconv.AppendInt(nil, v, 10), nil
	case uint:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint8:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint16:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint32:
		return strconv.AppendUint(nil, uint64(v), 10), nil
	case uint64:
		return strconv.AppendUint(nil, v, 10), nil
	case float32:
		return strconv.AppendFloat(nil, float64(v), 'g', -1, 32), nil
	case float64:
		return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedValue, value)
	}
}

var errInvalidUTF8 = errors.New("invalid utf-8")

// Decoder selects how Get interprets stored bytes.
type Decoder struct {
	name string
	fn   func([]byte) (any, error)
}

var (
	// Raw returns the stored bytes unchanged.
	Raw = Decoder{name: "raw"}
	// AsText returns a string and rejects invalid UTF-8.
	AsText = Decoder{name: "text", fn: func(b []byte) (any, error) { return decodeText(b) }}
	// AsInteger parses a base-10 int64.
	AsInteger = Decoder{name: "integer", fn: func(b []byte) (any, error) { return decodeInteger(b) }}
	// AsFloat parses a float64.
	AsFloat = Decoder{name: "float", fn: func(b []byte) (any, error) { return decodeFloat(b) }}
)

// Custom builds a Decoder from fn. name appears in DecodeError.Mode.
func Custom(name string, fn func([]byte) (any, error)) Decoder {
	if name == "" {
		name = "custom"
	}
	return Decoder{name: name, fn: fn}
}

// Name reports the decode mode.
func (d Decoder) Name() string {
	if d.name == "" {
		return "raw"
	}
	return d.name
}

func (d Decoder) decode(key string, body []byte) (any, error) {
	if d.fn == nil {
		return body, nil
	}
	v, err := d.fn(body)
	if err != nil {
		return nil, &DecodeError{Key: key, Mode: d.Name(), Err: err}
	}
	return v, nil
}

func decodeText(b []byte) (string, error) {
	if !utf8.Valid(b) {
		return "", errInvalidUTF8
	}
	return string(b), nil
}

func decodeInteger(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

func decodeFloat(b []byte) (float64, error) {
	return strconv.ParseFloat(string(b), 64)
}

func modeName(op string) string {
	switch op {
	case "get_string":
		return "text"
	case "get_int":
		return "integer"
	case "get_float":
		return "float"
	case "get_bytes":
		return "raw"
	default:
		return "custom"
	}
}
