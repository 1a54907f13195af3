// Command recall stores values, replays recorded calls, fetches URLs through
// the freshness cache and prints document-store reports.
//
//	recall store [-type string|int|float] <value>
//	recall get [-as raw|text|int|float] <key>
//	recall replay [identity]
//	recall fetch <url>
//	recall count <url>
//	recall flush
//	recall top-students [-db school] [-collection students]
//	recall log-stats [-db $RECALL_MONGO_DB] [-collection nginx]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/goforj/recall"
	"github.com/goforj/recall/docstats"
	"github.com/goforj/recall/internal/cfg"
	"github.com/goforj/recall/internal/logs"
)

var errUsage = errors.New("usage: recall <store|get|replay|fetch|count|flush|top-students|log-stats> [args]")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		if errors.Is(err, errUsage) || errors.Is(err, flag.ErrHelp) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	conf, err := cfg.Load()
	if err != nil {
		return err
	}
	logger := logs.New(conf.Log.Level, conf.Log.Format, stderr)

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "top-students", "log-stats":
		return runReport(ctx, conf, logger, cmd, rest, stdout)
	}

	if conf.Store.Driver == string(recall.DriverMemory) {
		logger.Warn("memory driver keeps nothing between runs", "command", cmd)
	}
	store, closeStore, err := openStore(ctx, conf)
	if err != nil {
		return err
	}
	defer closeStore()

	switch cmd {
	case "store":
		return runStore(ctx, store, logger, rest, stdout)
	case "get":
		return runGet(ctx, store, logger, rest, stdout)
	case "replay":
		return runReplay(ctx, store, logger, rest, stdout, stderr)
	case "fetch", "count":
		return runFetch(ctx, conf, store, logger, cmd, rest, stdout)
	case "flush":
		return recall.NewCache(store).FlushCtx(ctx)
	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func openStore(ctx context.Context, conf cfg.Config) (recall.Store, func(), error) {
	sc := conf.StoreConfig()
	closeFn := func() {}

	switch sc.Driver {
	case recall.DriverRedis:
		client := goredis.NewClient(&goredis.Options{
			Addr:     conf.Redis.Addr,
			Password: conf.Redis.Password,
			DB:       conf.Redis.DB,
		})
		sc.RedisClient = client
		closeFn = func() { _ = client.Close() }
	case recall.DriverNATS:
		nc, err := nats.Connect(conf.NATS.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect nats: %w", err)
		}
		kv, err := natsBucket(nc, conf.NATS.Bucket)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		sc.NATSKeyValue = kv
		closeFn = func() { _ = nc.Drain() }
	}

	store := recall.NewStore(ctx, sc)
	return store, closeFn, nil
}

func natsBucket(nc *nats.Conn, bucket string) (nats.KeyValue, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}
	kv, err := js.KeyValue(bucket)
	if errors.Is(err, nats.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(&nats.KeyValueConfig{Bucket: bucket, History: 1})
	}
	if err != nil {
		return nil, fmt.Errorf("nats bucket %q: %w", bucket, err)
	}
	return kv, nil
}

func newCache(store recall.Store, logger *slog.Logger) *recall.Cache {
	return recall.NewCache(store, recall.WithRecorderOptions(recall.WithRecorderLogger(logger))).
		WithObserver(recall.LogObserver(logger))
}

func runStore(ctx context.Context, store recall.Store, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	kind := fs.String("type", "string", "value type: string, int or float")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("store needs exactly one value: %w", errUsage)
	}

	var value any
	raw := fs.Arg(0)
	switch *kind {
	case "string":
		value = raw
	case "int":
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("parse int %q: %w", raw, err)
		}
		value = n
	case "float":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return fmt.Errorf("parse float %q: %w", raw, err)
		}
		value = f
	default:
		return fmt.Errorf("unknown -type %q: %w", *kind, errUsage)
	}

	key, err := newCache(store, logger).StoreCtx(ctx, value)
	if err != nil {
		return err
	}
	fmt.Fprintln(stdout, key)
	return nil
}

func runGet(ctx context.Context, store recall.Store, logger *slog.Logger, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	as := fs.String("as", "text", "decode mode: raw, text, int or float")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("get needs exactly one key: %w", errUsage)
	}

	var dec recall.Decoder
	switch *as {
	case "raw":
		dec = recall.Raw
	case "text":
		dec = recall.AsText
	case "int":
		dec = recall.AsInteger
	case "float":
		dec = recall.AsFloat
	default:
		return fmt.Errorf("unknown -as %q: %w", *as, errUsage)
	}

	v, ok, err := newCache(store, logger).GetCtx(ctx, fs.Arg(0), dec)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("key %q not found", fs.Arg(0))
	}
	if b, isBytes := v.([]byte); isBytes {
		_, err := stdout.Write(append(b, '\n'))
		return err
	}
	fmt.Fprintln(stdout, v)
	return nil
}

func runReplay(ctx context.Context, store recall.Store, logger *slog.Logger, args []string, stdout, stderr io.Writer) error {
	identity := recall.StoreIdentity
	if len(args) > 0 {
		identity = args[0]
	}
	r := recall.NewRecorder(store, recall.WithRecorderLogger(logger))
	trace, err := r.Replay(ctx, identity)
	if err != nil {
		return err
	}
	if _, err := trace.WriteTo(stdout); err != nil {
		return err
	}
	if d := trace.Diagnostic(); d != "" {
		fmt.Fprintln(stderr, d)
	}
	return nil
}

func runFetch(ctx context.Context, conf cfg.Config, store recall.Store, logger *slog.Logger, cmd string, args []string, stdout io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("%s needs exactly one url: %w", cmd, errUsage)
	}
	url := args[0]
	f := recall.NewCachedFetcher(store,
		recall.NewHTTPFetcher(logger, conf.Fetch.HTTPTimeout),
		recall.WithFreshness(conf.Fetch.Freshness),
		recall.WithFetchLogger(logger),
	).WithObserver(recall.LogObserver(logger))

	if cmd == "count" {
		n, err := f.Count(ctx, url)
		if err != nil {
			return err
		}
		fmt.Fprintln(stdout, n)
		return nil
	}
	body, err := f.FetchCtx(ctx, url)
	if err != nil {
		return err
	}
	_, err = io.WriteString(stdout, body)
	return err
}

func runReport(ctx context.Context, conf cfg.Config, logger *slog.Logger, cmd string, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	defaultDB, defaultColl := conf.Mongo.DB, "nginx"
	if cmd == "top-students" {
		defaultDB, defaultColl = "school", "students"
	}
	db := fs.String("db", defaultDB, "database name")
	collection := fs.String("collection", defaultColl, "collection name")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := mongo.Connect(options.Client().ApplyURI(conf.Mongo.URI))
	if err != nil {
		return fmt.Errorf("connect mongo: %w", err)
	}
	defer func() {
		if err := client.Disconnect(context.Background()); err != nil {
			logger.Warn("mongo disconnect failed", "error", err)
		}
	}()
	coll := client.Database(*db).Collection(*collection)

	if cmd == "top-students" {
		students, err := docstats.TopStudents(ctx, coll)
		if err != nil {
			return err
		}
		for _, s := range students {
			fmt.Fprintf(stdout, "[%s] %s => %g\n", s.ID.Hex(), s.Name, s.AverageScore)
		}
		return nil
	}

	report, err := docstats.NginxStats(ctx, coll)
	if err != nil {
		return err
	}
	_, err = report.WriteTo(stdout)
	return err
}
