// Package cfg loads the recall command's settings from the environment.
package cfg

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"

	"github.com/goforj/recall"
)

type Store struct {
	Driver        string `env:"RECALL_DRIVER" env-default:"file" validate:"oneof=memory file redis sql nats dynamodb"`
	Prefix        string `env:"RECALL_PREFIX" env-default:"app" validate:"required"`
	Compression   string `env:"RECALL_COMPRESSION" env-default:"none" validate:"oneof=none gzip snappy"`
	EncryptionKey string `env:"RECALL_ENCRYPTION_KEY" validate:"omitempty,len=16|len=24|len=32"`
}

type Redis struct {
	Addr     string `env:"RECALL_REDIS_ADDR" env-default:"127.0.0.1:6379"`
	Password string `env:"RECALL_REDIS_PASSWORD"`
	DB       int    `env:"RECALL_REDIS_DB" env-default:"0" validate:"min=0"`
}

type File struct {
	Dir string `env:"RECALL_FILE_DIR"`
}

type SQL struct {
	Driver string `env:"RECALL_SQL_DRIVER" env-default:"sqlite" validate:"oneof=sqlite pgx mysql"`
	DSN    string `env:"RECALL_SQL_DSN"`
	Table  string `env:"RECALL_SQL_TABLE" env-default:"recall_entries"`
}

type NATS struct {
	URL    string `env:"RECALL_NATS_URL" env-default:"nats://127.0.0.1:4222"`
	Bucket string `env:"RECALL_NATS_BUCKET" env-default:"recall"`
}

type Dynamo struct {
	Endpoint string `env:"RECALL_DYNAMO_ENDPOINT"`
	Region   string `env:"RECALL_DYNAMO_REGION" env-default:"us-east-1"`
	Table    string `env:"RECALL_DYNAMO_TABLE" env-default:"recall_entries"`
}

type Fetch struct {
	Freshness   time.Duration `env:"RECALL_FRESHNESS" env-default:"10s" validate:"gt=0"`
	HTTPTimeout time.Duration `env:"RECALL_HTTP_TIMEOUT" env-default:"30s" validate:"gt=0"`
}

type Mongo struct {
	URI string `env:"RECALL_MONGO_URI" env-default:"mongodb://127.0.0.1:27017"`
	DB  string `env:"RECALL_MONGO_DB" env-default:"logs"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" env-default:"info" validate:"oneof=debug info warn error"`
	Format string `env:"LOG_FORMAT" env-default:"text" validate:"oneof=text json"`
}

type Config struct {
	Store  Store
	Redis  Redis
	File   File
	SQL    SQL
	NATS   NATS
	Dynamo Dynamo
	Fetch  Fetch
	Mongo  Mongo
	Log    Log
}

var validate = validator.New()

// Load reads the environment, applies defaults and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return Config{}, fmt.Errorf("read env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	if c.Store.Driver == string(recall.DriverSQL) && c.SQL.DSN == "" {
		return fmt.Errorf("invalid config: RECALL_SQL_DSN is required for the sql driver")
	}
	return nil
}

// StoreConfig maps the settings onto recall.StoreConfig. Clients for the
// redis, nats and dynamodb drivers are attached by the caller.
func (c Config) StoreConfig() recall.StoreConfig {
	sc := recall.StoreConfig{
		Driver:         recall.Driver(c.Store.Driver),
		Prefix:         c.Store.Prefix,
		FileDir:        c.File.Dir,
		SQLDriverName:  c.SQL.Driver,
		SQLDSN:         c.SQL.DSN,
		SQLTable:       c.SQL.Table,
		DynamoEndpoint: c.Dynamo.Endpoint,
		DynamoRegion:   c.Dynamo.Region,
		DynamoTable:    c.Dynamo.Table,
		Compression:    recall.CompressionCodec(c.Store.Compression),
	}
	if c.Store.EncryptionKey != "" {
		sc.EncryptionKey = []byte(c.Store.EncryptionKey)
	}
	return sc
}
