package recall

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestStoreConfigWithDefaults(t *testing.T) {
	cfg := (StoreConfig{}).withDefaults()
	if cfg.Driver != DriverMemory {
		t.Fatalf("expected default driver memory, got %s", cfg.Driver)
	}
	if cfg.MemoryCleanupInterval != defaultMemoryCleanupInterval {
		t.Fatalf("unexpected cleanup interval: %v", cfg.MemoryCleanupInterval)
	}
	if cfg.Prefix != defaultCachePrefix {
		t.Fatalf("unexpected prefix: %s", cfg.Prefix)
	}
	if cfg.FileDir == "" || cfg.Clock == nil {
		t.Fatalf("expected file dir and clock defaults")
	}
	if cfg.SQLTable != defaultSQLTable || cfg.DynamoTable != defaultDynamoTable || cfg.DynamoRegion != defaultDynamoRegion {
		t.Fatalf("unexpected table defaults: %+v", cfg)
	}
	if cfg.Compression != "" {
		t.Fatalf("expected compression to stay unset")
	}
}

func TestStoreConfigWithDefaultsPreservesExplicitValues(t *testing.T) {
	clock := clockwork.NewFakeClock()
	cfg := (StoreConfig{
		Driver:                DriverFile,
		Prefix:                "svc",
		MemoryCleanupInterval: 2 * time.Second,
		Clock:                 clock,
		FileDir:               "/tmp/recall-test",
		SQLTable:              "calls",
		Compression:           CompressionGzip,
		MaxValueBytes:         1024,
	}).withDefaults()

	if cfg.Driver != DriverFile || cfg.Prefix != "svc" || cfg.MemoryCleanupInterval != 2*time.Second {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Clock != clock || cfg.FileDir != "/tmp/recall-test" || cfg.SQLTable != "calls" {
		t.Fatalf("explicit values overwritten: %+v", cfg)
	}
	if cfg.Compression != CompressionGzip || cfg.MaxValueBytes != 1024 {
		t.Fatalf("shaping values overwritten: %+v", cfg)
	}
}

func TestStoreOptionsMutateConfig(t *testing.T) {
	var cfg StoreConfig
	client := newStubRedisClient()
	kv := newStubNATSKeyValue("bucket")
	dyn := newDynStub()
	clock := clockwork.NewFakeClock()
	for _, opt := range []StoreOption{
		WithPrefix("svc"),
		WithMemoryCleanupInterval(2 * time.Second),
		WithClock(clock),
		WithRedisClient(client),
		WithFileDir("/tmp/x"),
		WithSQL("sqlite", "file::memory:", "tbl"),
		WithNATSKeyValue(kv),
		WithDynamoClient(dyn),
		WithDynamoTable("dtbl"),
		WithDynamoEndpoint("http://localhost:8000", "eu-west-1"),
		WithCompression(CompressionSnappy),
		WithMaxValueBytes(64),
		WithEncryptionKey(testEncryptionKey),
	} {
		cfg = opt(cfg)
	}

	if cfg.Prefix != "svc" || cfg.MemoryCleanupInterval != 2*time.Second || cfg.Clock != clock {
		t.Fatalf("options did not apply correctly: %+v", cfg)
	}
	if cfg.RedisClient != client || cfg.NATSKeyValue != kv || cfg.DynamoClient != dyn {
		t.Fatalf("client options did not apply")
	}
	if cfg.FileDir != "/tmp/x" || cfg.SQLDriverName != "sqlite" || cfg.SQLDSN != "file::memory:" || cfg.SQLTable != "tbl" {
		t.Fatalf("storage options did not apply: %+v", cfg)
	}
	if cfg.DynamoTable != "dtbl" || cfg.DynamoEndpoint != "http://localhost:8000" || cfg.DynamoRegion != "eu-west-1" {
		t.Fatalf("dynamo options did not apply: %+v", cfg)
	}
	if cfg.Compression != CompressionSnappy || cfg.MaxValueBytes != 64 || len(cfg.EncryptionKey) != 32 {
		t.Fatalf("shaping options did not apply: %+v", cfg)
	}
}

func TestFactoryHelpers(t *testing.T) {
	ctx := context.Background()
	if NewMemoryStore(ctx).Driver() != DriverMemory {
		t.Fatalf("expected memory helper driver")
	}
	if NewRedisStore(ctx, newStubRedisClient()).Driver() != DriverRedis {
		t.Fatalf("expected redis driver")
	}
	if NewFileStore(ctx, t.TempDir()).Driver() != DriverFile {
		t.Fatalf("expected file driver")
	}
	if NewNATSStore(ctx, newStubNATSKeyValue("bucket")).Driver() != DriverNATS {
		t.Fatalf("expected nats driver")
	}
	dyn := NewDynamoStore(ctx, WithDynamoClient(newDynStub()))
	if dyn.Driver() != DriverDynamo {
		t.Fatalf("expected dynamo driver")
	}
	if _, ok := dyn.(*errorStore); ok {
		t.Fatalf("expected working dynamo store")
	}

	dsn := "file:" + filepath.Join(t.TempDir(), "recall.db")
	sqlStore := NewSQLStore(ctx, "sqlite", dsn)
	if sqlStore.Driver() != DriverSQL {
		t.Fatalf("expected sql driver")
	}
	if err := sqlStore.Set(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("sqlite set failed: %v", err)
	}
}

func TestNewStoreUnknownDriverReturnsErrorStore(t *testing.T) {
	store := NewStore(context.Background(), StoreConfig{Driver: Driver("etcd")})
	if _, ok := store.(*errorStore); !ok {
		t.Fatalf("expected error store, got %T", store)
	}
	if store.Driver() != Driver("etcd") {
		t.Fatalf("expected driver identity preserved")
	}
	if _, _, err := store.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected propagated error")
	}
}

func TestNewStoreSQLMissingConfigReturnsErrorStore(t *testing.T) {
	ctx := context.Background()
	store := NewStore(ctx, StoreConfig{Driver: DriverSQL})
	if store.Driver() != DriverSQL {
		t.Fatalf("expected sql driver")
	}
	checks := []error{
		store.Set(ctx, "k", nil, 0),
		store.Delete(ctx, "k"),
		store.DeleteMany(ctx, "k"),
		store.Flush(ctx),
	}
	if _, err := store.Increment(ctx, "k", 1); err != nil {
		checks = append(checks, err)
	}
	if _, err := store.Append(ctx, "k", nil); err != nil {
		checks = append(checks, err)
	}
	if _, err := store.Range(ctx, "k", 0, -1); err != nil {
		checks = append(checks, err)
	}
	if len(checks) != 7 {
		t.Fatalf("expected every call to fail, got %d errors", len(checks))
	}
	for _, err := range checks {
		if err == nil {
			t.Fatalf("expected error from error store")
		}
	}
}

func TestNewStoreDynamoErrorReturnsErrorStore(t *testing.T) {
	stub := newDynStub()
	stub.describeErrs = []error{errors.New("access denied")}
	store := NewStore(context.Background(), StoreConfig{
		Driver:       DriverDynamo,
		DynamoClient: stub,
	})
	if store.Driver() != DriverDynamo {
		t.Fatalf("expected dynamo driver")
	}
	if _, _, err := store.Get(context.Background(), "k"); err == nil {
		t.Fatalf("expected propagated error")
	}
}

func TestNewStoreBadEncryptionKey(t *testing.T) {
	store := NewMemoryStore(context.Background(), WithEncryptionKey([]byte("short")))
	if err := store.Set(context.Background(), "k", []byte("v"), 0); !errors.Is(err, ErrEncryptionKey) {
		t.Fatalf("expected ErrEncryptionKey, got %v", err)
	}
}

func TestNewStoreLayersEncryptionAndCompression(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(ctx,
		WithEncryptionKey(testEncryptionKey),
		WithCompression(CompressionGzip),
		WithMaxValueBytes(1<<20),
	)
	shaped, ok := store.(*shapingStore)
	if !ok {
		t.Fatalf("expected shaping store on top, got %T", store)
	}
	if _, ok := shaped.inner.(*encryptingStore); !ok {
		t.Fatalf("expected encryption below compression, got %T", shaped.inner)
	}
	if err := store.Set(ctx, "k", []byte("payload"), 0); err != nil {
		t.Fatalf("set failed: %v", err)
	}
	got, ok, err := store.Get(ctx, "k")
	if err != nil || !ok || string(got) != "payload" {
		t.Fatalf("unexpected get: %q ok=%v err=%v", got, ok, err)
	}
}
