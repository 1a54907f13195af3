// Package recalltest provides reusable contract tests for recall.Store
// implementations and a counting Fetcher for CachedFetcher tests.
//
// Example pattern (driver test):
//
//	func TestRedisStoreContract(t *testing.T) {
//		client := newTestRedisClient(t)
//		store := recall.NewRedisStore(context.Background(), client, recall.WithPrefix("test"))
//
//		// Namespace keys per test and tune TTL waits for backend semantics as needed.
//		recalltest.RunStoreContract(t, store, recalltest.Options{
//			CaseName: t.Name(),
//			TTL:      time.Second,
//			TTLWait:  1500 * time.Millisecond,
//		})
//	}
//
// Drivers built on a fake clock pass Advance so expiry is checked without sleeping:
//
//	clock := clockwork.NewFakeClock()
//	store := recall.NewFileStore(ctx, t.TempDir(), recall.WithClock(clock))
//	recalltest.RunStoreContract(t, store, recalltest.Options{Advance: clock.Advance})
package recalltest
