package recall

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
)

const (
	natsEnvelopeMarker = "recall-v1"
	natsMaxCASAttempts = 16
)

var errNATSUnavailable = errors.New("nats key-value unavailable")

// NATSKeyValue captures the subset of nats.KeyValue used by the store.
type NATSKeyValue interface {
	Get(key string) (nats.KeyValueEntry, error)
	Put(key string, value []byte) (uint64, error)
	Create(key string, value []byte) (uint64, error)
	Update(key string, value []byte, last uint64) (uint64, error)
	Delete(key string, opts ...nats.DeleteOpt) error
	Purge(key string, opts ...nats.DeleteOpt) error
	ListKeys(opts ...nats.WatchOpt) (nats.KeyLister, error)
}

type natsStore struct {
	kv     NATSKeyValue
	prefix string
	clock  clockwork.Clock
}

// natsEnvelope is the stored form of every entry. A key holds either a
// scalar value or a list, never both.
type natsEnvelope struct {
	Marker    string   `json:"m"`
	Value     []byte   `json:"v,omitempty"`
	List      [][]byte `json:"l,omitempty"`
	IsList    bool     `json:"il,omitempty"`
	ExpiresAt int64    `json:"ea,omitempty"`
}

func newNATSStore(kv NATSKeyValue, prefix string, clock clockwork.Clock) Store {
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &natsStore{kv: kv, prefix: prefix, clock: clock}
}

func (s *natsStore) Driver() Driver { return DriverNATS }

func (s *natsStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	env, _, ok, err := s.load(s.cacheKey(key))
	if err != nil || !ok {
		return nil, false, err
	}
	if env.IsList {
		return nil, false, fmt.Errorf("cache key %q holds a list", key)
	}
	return cloneBytes(env.Value), true, nil
}

func (s *natsStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	body, err := s.encode(natsEnvelope{Value: cloneBytes(value), ExpiresAt: s.expiresAt(ttl)})
	if err != nil {
		return err
	}
	_, err = s.kv.Put(s.cacheKey(key), body)
	return err
}

func (s *natsStore) Increment(_ context.Context, key string, delta int64) (int64, error) {
	var next int64
	err := s.mutate(s.cacheKey(key), func(env *natsEnvelope, exists bool) error {
		current := int64(0)
		if exists {
			if env.IsList {
				return fmt.Errorf("cache key %q: %w", key, ErrNotNumeric)
			}
			parsed, err := strconv.ParseInt(string(env.Value), 10, 64)
			if err != nil {
				return fmt.Errorf("cache key %q: %w", key, ErrNotNumeric)
			}
			current = parsed
		}
		next = current + delta
		env.Value = []byte(strconv.FormatInt(next, 10))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}

func (s *natsStore) Append(_ context.Context, key string, value []byte) (int64, error) {
	var n int64
	err := s.mutate(s.cacheKey(key), func(env *natsEnvelope, exists bool) error {
		if exists && !env.IsList {
			return fmt.Errorf("cache key %q holds a scalar value", key)
		}
		env.IsList = true
		env.ExpiresAt = 0
		env.List = append(env.List, cloneBytes(value))
		n = int64(len(env.List))
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

func (s *natsStore) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	env, _, ok, err := s.load(s.cacheKey(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	if !env.IsList {
		return nil, fmt.Errorf("cache key %q holds a scalar value", key)
	}
	return sliceRange(env.List, start, stop), nil
}

func (s *natsStore) Delete(_ context.Context, key string) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	err := s.kv.Purge(s.cacheKey(key))
	if isNATSMiss(err) {
		return nil
	}
	return err
}

func (s *natsStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *natsStore) Flush(_ context.Context) error {
	if s.kv == nil {
		return errNATSUnavailable
	}
	lister, err := s.kv.ListKeys(nats.IgnoreDeletes())
	if err != nil {
		if errors.Is(err, nats.ErrNoKeysFound) {
			return nil
		}
		return err
	}
	defer func() { _ = lister.Stop() }()

	scopePrefix := s.scopePrefix()
	for key := range lister.Keys() {
		if !strings.HasPrefix(key, scopePrefix) {
			continue
		}
		if err := s.kv.Purge(key); err != nil && !isNATSMiss(err) {
			return err
		}
	}
	for err := range lister.Error() {
		if err != nil {
			return err
		}
	}
	return nil
}

// load returns the live envelope for cacheKey and its revision. Expired
// entries are purged and reported as absent.
func (s *natsStore) load(cacheKey string) (natsEnvelope, uint64, bool, error) {
	if s.kv == nil {
		return natsEnvelope{}, 0, false, errNATSUnavailable
	}
	entry, err := s.kv.Get(cacheKey)
	if isNATSMiss(err) {
		return natsEnvelope{}, 0, false, nil
	}
	if err != nil {
		return natsEnvelope{}, 0, false, err
	}
	if entry.Operation() == nats.KeyValueDelete || entry.Operation() == nats.KeyValuePurge {
		return natsEnvelope{}, 0, false, nil
	}
	env, err := decodeNATSEnvelope(entry.Value())
	if err != nil {
		return natsEnvelope{}, 0, false, err
	}
	if env.ExpiresAt > 0 && s.clock.Now().UnixMilli() > env.ExpiresAt {
		_ = s.kv.Purge(cacheKey)
		return natsEnvelope{}, 0, false, nil
	}
	return env, entry.Revision(), true, nil
}

// mutate applies fn under optimistic concurrency: Create for absent keys,
// Update against the observed revision otherwise, retrying on conflict.
func (s *natsStore) mutate(cacheKey string, fn func(env *natsEnvelope, exists bool) error) error {
	for attempt := 0; attempt < natsMaxCASAttempts; attempt++ {
		env, revision, exists, err := s.load(cacheKey)
		if err != nil {
			return err
		}
		if err := fn(&env, exists); err != nil {
			return err
		}
		body, err := s.encode(env)
		if err != nil {
			return err
		}
		if !exists {
			_, err = s.kv.Create(cacheKey, body)
		} else {
			_, err = s.kv.Update(cacheKey, body, revision)
		}
		if err == nil {
			return nil
		}
		if errors.Is(err, nats.ErrKeyExists) || isNATSMiss(err) {
			continue
		}
		return err
	}
	return errors.New("nats update exceeded retry limit")
}

func (s *natsStore) cacheKey(key string) string {
	return s.scopePrefix() + encodeNATSKeyPart(key)
}

func (s *natsStore) scopePrefix() string {
	return "p." + encodeNATSKeyPart(s.prefix) + ".k."
}

func (s *natsStore) expiresAt(ttl time.Duration) int64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now().Add(ttl).UnixMilli()
}

func (s *natsStore) encode(env natsEnvelope) ([]byte, error) {
	env.Marker = natsEnvelopeMarker
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal nats envelope: %w", err)
	}
	return body, nil
}

func decodeNATSEnvelope(body []byte) (natsEnvelope, error) {
	var env natsEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return natsEnvelope{}, fmt.Errorf("decode nats envelope: %w", err)
	}
	if env.Marker != natsEnvelopeMarker {
		return natsEnvelope{}, fmt.Errorf("decode nats envelope: unexpected marker %q", env.Marker)
	}
	return env, nil
}

func isNATSMiss(err error) bool {
	return errors.Is(err, nats.ErrKeyNotFound) || errors.Is(err, nats.ErrKeyDeleted)
}

// encodeNATSKeyPart keeps arbitrary keys inside the NATS subject alphabet.
func encodeNATSKeyPart(part string) string {
	if part == "" {
		return "_"
	}
	return base64.RawURLEncoding.EncodeToString([]byte(part))
}
