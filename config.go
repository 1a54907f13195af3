package recall

import (
	"os"
	"path/filepath"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultCachePrefix           = "app"
	defaultMemoryCleanupInterval = 10 * time.Minute
	defaultSQLTable              = "recall_entries"
	defaultDynamoTable           = "recall_entries"
	defaultDynamoRegion          = "us-east-1"

	// DefaultFreshness is how long a CachedFetcher serves a fetched payload.
	DefaultFreshness = 10 * time.Second
)

func defaultFileDir() string {
	return filepath.Join(os.TempDir(), "recall-file")
}

// StoreConfig controls how a Store is constructed.
type StoreConfig struct {
	Driver Driver

	// Prefix namespaces every key written by shared backends (redis, sql, nats, dynamodb).
	Prefix string

	// MemoryCleanupInterval controls in-process eviction of expired entries.
	MemoryCleanupInterval time.Duration

	// Clock drives expiry bookkeeping for drivers that track deadlines themselves.
	Clock clockwork.Clock

	// RedisClient is required when DriverRedis is used.
	RedisClient RedisClient

	// FileDir controls where the file driver keeps entries.
	FileDir string

	// SQLDriverName is the database/sql driver ("sqlite", "pgx", "mysql").
	SQLDriverName string
	SQLDSN        string
	SQLTable      string

	// NATSKeyValue is required when DriverNATS is used.
	NATSKeyValue NATSKeyValue

	// DynamoClient is optional; one is built from region/endpoint when nil.
	DynamoClient   DynamoAPI
	DynamoEndpoint string
	DynamoRegion   string
	DynamoTable    string

	// Compression and MaxValueBytes shape values before they reach the driver.
	Compression   CompressionCodec
	MaxValueBytes int

	// EncryptionKey enables AES-GCM value encryption (16, 24 or 32 bytes).
	EncryptionKey []byte
}

func (c StoreConfig) withDefaults() StoreConfig {
	if c.Driver == "" {
		c.Driver = DriverMemory
	}
	if c.Prefix == "" {
		c.Prefix = defaultCachePrefix
	}
	if c.MemoryCleanupInterval <= 0 {
		c.MemoryCleanupInterval = defaultMemoryCleanupInterval
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.FileDir == "" {
		c.FileDir = defaultFileDir()
	}
	if c.SQLTable == "" {
		c.SQLTable = defaultSQLTable
	}
	if c.DynamoTable == "" {
		c.DynamoTable = defaultDynamoTable
	}
	if c.DynamoRegion == "" {
		c.DynamoRegion = defaultDynamoRegion
	}
	return c
}
