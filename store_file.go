package recall

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

var (
	createTempFile = os.CreateTemp
	renameFile     = os.Rename
)

var fileRecordMagic = []byte("RFR1")

const fileRecordExt = ".rec"

// fileRecord is the JSON layout used for list entries. Plain values use the
// compact binary header layout written by writeValue.
type fileRecord struct {
	ExpiresAt int64    `json:"expires_at"`
	Value     []byte   `json:"value,omitempty"`
	List      [][]byte `json:"list,omitempty"`
	IsList    bool     `json:"is_list,omitempty"`
}

type fileStore struct {
	dir   string
	clock clockwork.Clock
	mu    sync.Mutex
}

func newFileStore(dir string, clock clockwork.Clock) Store {
	if dir == "" {
		dir = defaultFileDir()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	_ = os.MkdirAll(dir, 0o755)
	return &fileStore{
		dir:   dir,
		clock: clock,
	}
}

func (s *fileStore) Driver() Driver {
	return DriverFile
}

func (s *fileStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	rec, ok, err := s.read(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if rec.IsList {
		return nil, false, fmt.Errorf("cache key %q holds a list, not a value", key)
	}
	return rec.Value, true, nil
}

func (s *fileStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = s.clock.Now().Add(ttl).UnixNano()
	}
	var header [12]byte
	copy(header[:4], fileRecordMagic)
	binary.BigEndian.PutUint64(header[4:], uint64(expiresAt))
	return s.write(key, header[:], value)
}

func (s *fileStore) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.read(key)
	if err != nil {
		return 0, err
	}
	current := int64(0)
	var ttl time.Duration
	if ok {
		if rec.IsList {
			return 0, fmt.Errorf("cache key %q: %w", key, ErrNotNumeric)
		}
		n, err := strconv.ParseInt(string(rec.Value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache key %q: %w", key, ErrNotNumeric)
		}
		current = n
		if rec.ExpiresAt > 0 {
			ttl = time.Duration(rec.ExpiresAt - s.clock.Now().UnixNano())
		}
	}
	next := current + delta
	if err := s.Set(ctx, key, []byte(strconv.FormatInt(next, 10)), ttl); err != nil {
		return 0, err
	}
	return next, nil
}

func (s *fileStore) Append(_ context.Context, key string, value []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.read(key)
	if err != nil {
		return 0, err
	}
	if ok && !rec.IsList {
		return 0, fmt.Errorf("cache key %q holds a value, not a list", key)
	}
	rec.IsList = true
	rec.List = append(rec.List, cloneBytes(value))
	body, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal file record: %w", err)
	}
	if err := s.write(key, nil, body); err != nil {
		return 0, err
	}
	return int64(len(rec.List)), nil
}

func (s *fileStore) Range(_ context.Context, key string, start, stop int64) ([][]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok, err := s.read(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return [][]byte{}, nil
	}
	if !rec.IsList {
		return nil, fmt.Errorf("cache key %q holds a value, not a list", key)
	}
	return sliceRange(rec.List, start, stop), nil
}

func (s *fileStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *fileStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (s *fileStore) Flush(_ context.Context) error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	for _, entry := range entries {
		if !strings.HasSuffix(entry.Name(), fileRecordExt) {
			continue
		}
		_ = os.Remove(filepath.Join(s.dir, entry.Name()))
	}
	return nil
}

func (s *fileStore) read(key string) (fileRecord, bool, error) {
	path := s.path(key)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fileRecord{}, false, nil
		}
		return fileRecord{}, false, err
	}

	rec, err := decodeFileRecord(data)
	if err != nil {
		_ = os.Remove(path)
		return fileRecord{}, false, err
	}

	if rec.ExpiresAt > 0 && s.clock.Now().UnixNano() > rec.ExpiresAt {
		_ = os.Remove(path)
		return fileRecord{}, false, nil
	}
	return rec, true, nil
}

// write replaces the record for key atomically via a temp file + rename.
func (s *fileStore) write(key string, header, body []byte) error {
	tmp, err := createTempFile(s.dir, "recall-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if len(header) > 0 {
		if _, err := tmp.Write(header); err != nil {
			tmp.Close()
			_ = os.Remove(tmpPath)
			return err
		}
	}
	if _, err := tmp.Write(body); err != nil {
		tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return renameFile(tmpPath, s.path(key))
}

func (s *fileStore) path(key string) string {
	sum := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(sum[:])
	return filepath.Join(s.dir, name+fileRecordExt)
}

func decodeFileRecord(data []byte) (fileRecord, error) {
	if len(data) >= 12 && bytes.Equal(data[:4], fileRecordMagic) {
		return fileRecord{
			ExpiresAt: int64(binary.BigEndian.Uint64(data[4:12])),
			Value:     data[12:],
		}, nil
	}

	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fileRecord{}, fmt.Errorf("decode file record: %w", err)
	}
	return rec, nil
}
