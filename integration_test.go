//go:build integration

package recall_test

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"github.com/docker/go-connections/nat"
	"github.com/nats-io/nats.go"
	goredis "github.com/redis/go-redis/v9"
	testcontainers "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/goforj/recall"
	"github.com/goforj/recall/recalltest"
)

type storeFactory struct {
	name string
	new  func(t *testing.T) recall.Store
	opts recalltest.Options
}

func TestStoreContract_AllDrivers(t *testing.T) {
	var fixtures []storeFactory

	if integrationDriverEnabled("redis") {
		fixtures = append(fixtures, storeFactory{
			name: "redis",
			new: func(t *testing.T) recall.Store {
				addr := startContainer(t, testcontainers.ContainerRequest{
					Image:      "redis:7-bookworm",
					WaitingFor: wait.ForListeningPort("6379/tcp").WithStartupTimeout(30 * time.Second),
				}, "6379/tcp")
				client := goredis.NewClient(&goredis.Options{Addr: addr})
				t.Cleanup(func() { _ = client.Close() })
				return recall.NewRedisStore(context.Background(), client, recall.WithPrefix("itest"))
			},
		})
	}

	if integrationDriverEnabled("nats") {
		fixtures = append(fixtures, storeFactory{
			name: "nats",
			new: func(t *testing.T) recall.Store {
				addr := startContainer(t, testcontainers.ContainerRequest{
					Image:      "nats:2",
					Cmd:        []string{"-js"},
					WaitingFor: wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
				}, "4222/tcp")
				nc, err := nats.Connect("nats://" + addr)
				if err != nil {
					t.Fatalf("connect nats: %v", err)
				}
				t.Cleanup(nc.Close)
				js, err := nc.JetStream()
				if err != nil {
					t.Fatalf("jetstream nats: %v", err)
				}
				kv, err := js.CreateKeyValue(&nats.KeyValueConfig{Bucket: "recall_itest", History: 1})
				if err != nil {
					t.Fatalf("create nats kv bucket: %v", err)
				}
				return recall.NewNATSStore(context.Background(), kv, recall.WithPrefix("itest"))
			},
		})
	}

	if integrationDriverEnabled("postgres") {
		fixtures = append(fixtures, storeFactory{
			name: "postgres",
			new: func(t *testing.T) recall.Store {
				addr := startContainer(t, testcontainers.ContainerRequest{
					Image:      "postgres:16-bookworm",
					Env:        map[string]string{"POSTGRES_PASSWORD": "pass", "POSTGRES_USER": "user", "POSTGRES_DB": "app"},
					WaitingFor: wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
				}, "5432/tcp")
				dsn := "postgres://user:pass@" + addr + "/app?sslmode=disable"
				return retryStoreInit(t, func() recall.Store {
					return recall.NewSQLStore(context.Background(), "pgx", dsn, recall.WithPrefix("itest"))
				})
			},
		})
	}

	if integrationDriverEnabled("mysql") {
		fixtures = append(fixtures, storeFactory{
			name: "mysql",
			new: func(t *testing.T) recall.Store {
				addr := startContainer(t, testcontainers.ContainerRequest{
					Image: "mysql:8",
					Env: map[string]string{
						"MYSQL_ROOT_PASSWORD": "pass",
						"MYSQL_DATABASE":      "app",
						"MYSQL_USER":          "user",
						"MYSQL_PASSWORD":      "pass",
					},
					WaitingFor: wait.ForAll(
						wait.ForListeningPort("3306/tcp").WithStartupTimeout(90*time.Second),
						wait.ForLog("ready for connections").WithOccurrence(2).WithStartupTimeout(90*time.Second),
					),
				}, "3306/tcp")
				dsn := "user:pass@tcp(" + addr + ")/app"
				return retryStoreInit(t, func() recall.Store {
					return recall.NewSQLStore(context.Background(), "mysql", dsn, recall.WithPrefix("itest"))
				})
			},
		})
	}

	if integrationDriverEnabled("dynamodb") {
		fixtures = append(fixtures, storeFactory{
			name: "dynamodb",
			new: func(t *testing.T) recall.Store {
				addr := startContainer(t, testcontainers.ContainerRequest{
					Image:      "amazon/dynamodb-local:latest",
					WaitingFor: wait.ForListeningPort("8000/tcp").WithStartupTimeout(45 * time.Second),
				}, "8000/tcp")
				return recall.NewDynamoStore(context.Background(),
					recall.WithDynamoEndpoint("http://"+addr, "us-east-1"),
					recall.WithPrefix("itest"),
				)
			},
		})
	}

	if len(fixtures) == 0 {
		t.Skip("no integration drivers selected")
	}

	for _, fx := range fixtures {
		t.Run(fx.name, func(t *testing.T) {
			store := fx.new(t)
			opts := fx.opts
			opts.CaseName = t.Name()
			if opts.TTL == 0 {
				opts.TTL = 500 * time.Millisecond
				opts.TTLWait = 3 * time.Second
			}
			recalltest.RunStoreContract(t, store, opts)
			checkRecorderRoundTrip(t, store)
			checkLongURL(t, store)
		})
	}
}

// checkRecorderRoundTrip drives the high-level API against a real backend.
func checkRecorderRoundTrip(t *testing.T, store recall.Store) {
	t.Helper()
	ctx := context.Background()
	c, err := recall.OpenCache(ctx, store, recall.FlushOnStart())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	key, err := c.Store("Ada")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if s, ok, err := c.GetString(key); err != nil || !ok || s != "Ada" {
		t.Fatalf("get: %q ok=%v err=%v", s, ok, err)
	}
	trace, err := c.Recorder().Replay(ctx, recall.StoreIdentity)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	lines := trace.Lines()
	if len(lines) != 2 || lines[0] != "Cache.Store was called 1 times:" || lines[1] != `Cache.Store(*["Ada"]) -> `+key {
		t.Fatalf("unexpected trace lines: %q", lines)
	}
}

func retryStoreInit(t *testing.T, build func() recall.Store) recall.Store {
	t.Helper()
	var store recall.Store
	err := retry.Do(func() error {
		store = build()
		_, _, err := store.Get(context.Background(), "readiness")
		return err
	},
		retry.Attempts(50),
		retry.Delay(100*time.Millisecond),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		t.Fatalf("store never became ready: %v", err)
	}
	return store
}

func startContainer(t *testing.T, req testcontainers.ContainerRequest, port nat.Port) string {
	t.Helper()
	ctx := context.Background()
	req.ExposedPorts = []string{string(port)}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("start %s container: %v", req.Image, err)
	}
	t.Cleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = container.Terminate(shutdownCtx)
	})
	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("%s container host: %v", req.Image, err)
	}
	mapped, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("%s container port: %v", req.Image, err)
	}
	return net.JoinHostPort(host, mapped.Port())
}

// INTEGRATION_DRIVER may be "all" (default) or a comma-separated list such as "redis,nats".
func integrationDriverEnabled(name string) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv("INTEGRATION_DRIVER")))
	if value == "" || value == "all" {
		return true
	}
	for _, part := range strings.Split(value, ",") {
		if strings.TrimSpace(part) == name {
			return true
		}
	}
	return false
}

// checkLongURL fetches a URL longer than the narrowest key column.
func checkLongURL(t *testing.T, store recall.Store) {
	t.Helper()
	ctx := context.Background()
	url := "https://example.com/search?q=" + strings.Repeat("x", 600)
	calls := 0
	f := recall.NewCachedFetcher(store, recall.FetcherFunc(func(context.Context, string) (string, error) {
		calls++
		return "body", nil
	}), recall.WithFreshness(time.Minute))

	for i := 0; i < 2; i++ {
		if body, err := f.FetchCtx(ctx, url); err != nil || body != "body" {
			t.Fatalf("fetch long url: %q err=%v", body, err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one remote call, got %d", calls)
	}
	if n, err := f.Count(ctx, url); err != nil || n != 2 {
		t.Fatalf("count long url: %d err=%v", n, err)
	}
}
