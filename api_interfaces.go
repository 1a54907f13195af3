package recall

import "context"

// CoreAPI exposes basic cache metadata.
type CoreAPI interface {
	Driver() Driver
}

// StoreAPI exposes the recorded write path.
type StoreAPI interface {
	Store(value any) (string, error)
	StoreCtx(ctx context.Context, value any) (string, error)
}

// ReadAPI exposes decode-aware reads.
type ReadAPI interface {
	Get(key string, dec Decoder) (any, bool, error)
	GetCtx(ctx context.Context, key string, dec Decoder) (any, bool, error)
	GetString(key string) (string, bool, error)
	GetStringCtx(ctx context.Context, key string) (string, bool, error)
	GetInt(key string) (int64, bool, error)
	GetIntCtx(ctx context.Context, key string) (int64, bool, error)
	GetFloat(key string) (float64, bool, error)
	GetFloatCtx(ctx context.Context, key string) (float64, bool, error)
	GetBytes(key string) ([]byte, bool, error)
	GetBytesCtx(ctx context.Context, key string) ([]byte, bool, error)
}

// MaintenanceAPI exposes store-wide invalidation.
type MaintenanceAPI interface {
	Flush() error
	FlushCtx(ctx context.Context) error
}

// CacheAPI is the composed application-facing interface for Cache.
type CacheAPI interface {
	CoreAPI
	StoreAPI
	ReadAPI
	MaintenanceAPI
}

// FetchAPI is the application-facing interface for CachedFetcher.
type FetchAPI interface {
	Fetch(url string) (string, error)
	FetchCtx(ctx context.Context, url string) (string, error)
	Count(ctx context.Context, url string) (int64, error)
}

var (
	_ CacheAPI = (*Cache)(nil)
	_ FetchAPI = (*CachedFetcher)(nil)
	_ Fetcher  = (*HTTPFetcher)(nil)
	_ Fetcher  = FetcherFunc(nil)
)
