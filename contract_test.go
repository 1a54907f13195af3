package recall_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/jonboulle/clockwork"

	"github.com/goforj/recall"
	"github.com/goforj/recall/recalltest"
)

var contractKey = []byte("0123456789abcdef0123456789abcdef")

func TestStoreContract(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		recalltest.RunStoreContract(t, recall.NewMemoryStore(ctx), recalltest.Options{})
	})

	t.Run("file", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := recall.NewFileStore(ctx, t.TempDir(), recall.WithClock(clock))
		recalltest.RunStoreContract(t, store, recalltest.Options{Advance: clock.Advance})
	})

	t.Run("sqlite", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		dsn := "file:" + filepath.Join(t.TempDir(), "contract.db")
		store := recall.NewSQLStore(ctx, "sqlite", dsn, recall.WithClock(clock), recall.WithPrefix("contract"))
		recalltest.RunStoreContract(t, store, recalltest.Options{Advance: clock.Advance})
	})

	t.Run("nats", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := recall.NewNATSStore(ctx, recall.NewTestNATSKeyValue(), recall.WithClock(clock))
		recalltest.RunStoreContract(t, store, recalltest.Options{Advance: clock.Advance})
	})

	t.Run("dynamodb", func(t *testing.T) {
		clock := clockwork.NewFakeClock()
		store := recall.NewDynamoStore(ctx, recall.WithDynamoClient(recall.NewTestDynamoClient()), recall.WithClock(clock))
		recalltest.RunStoreContract(t, store, recalltest.Options{Advance: clock.Advance})
	})

	for _, codec := range []recall.CompressionCodec{recall.CompressionGzip, recall.CompressionSnappy} {
		t.Run("memory_"+string(codec), func(t *testing.T) {
			store := recall.NewMemoryStore(ctx, recall.WithCompression(codec))
			recalltest.RunStoreContract(t, store, recalltest.Options{})
		})
	}

	t.Run("memory_encrypted", func(t *testing.T) {
		store := recall.NewMemoryStore(ctx, recall.WithEncryptionKey(contractKey), recall.WithCompression(recall.CompressionGzip))
		recalltest.RunStoreContract(t, store, recalltest.Options{})
	})
}
