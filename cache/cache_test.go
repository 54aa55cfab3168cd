package cache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ggoodman/dispatch-go/storage"
	"github.com/ggoodman/dispatch-go/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type countingObserver struct {
	hits, misses, loads, shared atomic.Int32
}

func (o *countingObserver) CacheLookup(_ string, hit bool) {
	if hit {
		o.hits.Add(1)
	} else {
		o.misses.Add(1)
	}
}

func (o *countingObserver) CacheLoad(string, error) { o.loads.Add(1) }

func (o *countingObserver) CacheSharedHit(string) { o.shared.Add(1) }

func TestGet_ConcurrentMissesShareOneLoad(t *testing.T) {
	const k = 16

	c := New[[]string]("membership", 10*time.Minute)

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(ctx context.Context, key string) ([]string, error) {
		calls.Add(1)
		<-release
		return []string{"group-a", key}, nil
	}

	var wg sync.WaitGroup
	results := make([][]string, k)
	errs := make([]error, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = c.Get(context.Background(), "alice", loader)
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("loader calls = %d, want 1", got)
	}
	for i := 0; i < k; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if len(results[i]) != 2 || results[i][0] != "group-a" || results[i][1] != "alice" {
			t.Fatalf("caller %d got %v", i, results[i])
		}
	}
}

func TestGet_ExpiresAfterWrite(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	obs := &countingObserver{}
	c := New[string]("token", 30*time.Minute, WithClock(clock.Now), WithObserver(obs))

	var calls atomic.Int32
	loader := func(context.Context, string) (string, error) {
		n := calls.Add(1)
		return "tok-" + string(rune('0'+n)), nil
	}

	ctx := context.Background()
	first, err := c.Get(ctx, "svc", loader)
	if err != nil {
		t.Fatalf("get: %v", err)
	}

	// Reads inside the window never extend it.
	clock.Advance(20 * time.Minute)
	if v, _ := c.Get(ctx, "svc", loader); v != first {
		t.Fatalf("want cached %q, got %q", first, v)
	}
	clock.Advance(10 * time.Minute)
	if v, _ := c.Get(ctx, "svc", loader); v != first {
		t.Fatalf("entry should still be valid at exactly ttl, got %q", v)
	}

	clock.Advance(time.Second)
	second, err := c.Get(ctx, "svc", loader)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if second == first {
		t.Fatalf("expected reload after ttl")
	}
	if calls.Load() != 2 {
		t.Fatalf("loader calls = %d, want 2", calls.Load())
	}
	if obs.loads.Load() != 2 || obs.hits.Load() != 2 || obs.misses.Load() != 2 {
		t.Fatalf("observer counts hits=%d misses=%d loads=%d", obs.hits.Load(), obs.misses.Load(), obs.loads.Load())
	}
}

func TestGet_ErrorsAreNotCached(t *testing.T) {
	c := New[int]("n", time.Minute)
	boom := errors.New("upstream down")

	var calls atomic.Int32
	loader := func(context.Context, string) (int, error) {
		if calls.Add(1) == 1 {
			return 0, boom
		}
		return 42, nil
	}

	if _, err := c.Get(context.Background(), "k", loader); !errors.Is(err, boom) {
		t.Fatalf("want upstream error, got %v", err)
	}
	if c.Len() != 0 {
		t.Fatalf("failed load must not be stored")
	}
	v, err := c.Get(context.Background(), "k", loader)
	if err != nil || v != 42 {
		t.Fatalf("second get = %v, %v", v, err)
	}
}

func TestGet_CallerCancellationDoesNotPoisonLoad(t *testing.T) {
	c := New[string]("k", time.Minute)

	release := make(chan struct{})
	loader := func(ctx context.Context, _ string) (string, error) {
		<-release
		if err := ctx.Err(); err != nil {
			return "", err
		}
		return "value", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Get(ctx, "key", loader)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}

	close(release)
	v, err := c.Get(context.Background(), "key", loader)
	if err != nil || v != "value" {
		t.Fatalf("get after cancel = %q, %v", v, err)
	}
}

func TestNoTTLAndInvalidate(t *testing.T) {
	clock := &fakeClock{now: time.Unix(0, 0)}
	c := New[string]("keys", 0, WithClock(clock.Now))

	var calls atomic.Int32
	loader := func(context.Context, string) (string, error) {
		calls.Add(1)
		return "set", nil
	}

	ctx := context.Background()
	_, _ = c.Get(ctx, "jwks", loader)
	clock.Advance(24 * 365 * time.Hour)
	_, _ = c.Get(ctx, "jwks", loader)
	if calls.Load() != 1 {
		t.Fatalf("entries without ttl must not expire")
	}

	if err := c.Invalidate(ctx, "jwks"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok := c.Peek("jwks"); ok {
		t.Fatalf("invalidated entry still visible")
	}
	_, _ = c.Get(ctx, "jwks", loader)
	if calls.Load() != 2 {
		t.Fatalf("invalidate should force a reload")
	}
}

func TestWithStorage_SharesAcrossCaches(t *testing.T) {
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	var calls atomic.Int32
	loader := func(context.Context, string) ([]string, error) {
		calls.Add(1)
		return []string{"g1"}, nil
	}

	replicaA := New[[]string]("groups", time.Minute, WithStorage(store))
	replicaB := New[[]string]("groups", time.Minute, WithStorage(store))

	if _, err := replicaA.Get(context.Background(), "alice", loader); err != nil {
		t.Fatalf("a: %v", err)
	}
	got, err := replicaB.Get(context.Background(), "alice", loader)
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("second replica should reuse shared entry, loader calls = %d", calls.Load())
	}
	if len(got) != 1 || got[0] != "g1" {
		t.Fatalf("shared value = %v", got)
	}
}

func TestWithLoadTimeout(t *testing.T) {
	c := New[string]("slow", time.Minute, WithLoadTimeout(10*time.Millisecond))
	_, err := c.Get(context.Background(), "k", func(ctx context.Context, _ string) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("want deadline exceeded, got %v", err)
	}
}

func TestWithStorage_KeepsComputedAt(t *testing.T) {
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	var calls atomic.Int32
	loader := func(context.Context, string) (string, error) {
		calls.Add(1)
		return "v", nil
	}
	base := time.Now()
	var nowB atomic.Int64
	nowB.Store(int64(30 * time.Second))
	clockB := func() time.Time { return base.Add(time.Duration(nowB.Load())) }

	replicaA := New[string]("tok", time.Minute, WithStorage(store), WithClock(func() time.Time { return base }))
	replicaB := New[string]("tok", time.Minute, WithStorage(store), WithClock(clockB))

	ctx := context.Background()
	if _, err := replicaA.Get(ctx, "k", loader); err != nil {
		t.Fatalf("a: %v", err)
	}
	if _, err := replicaB.Get(ctx, "k", loader); err != nil {
		t.Fatalf("b: %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("loader calls = %d, want 1", calls.Load())
	}

	// The mirrored entry expires a minute after replica A computed it, not
	// a minute after replica B read it.
	nowB.Store(int64(61 * time.Second))
	if _, ok := replicaB.Peek("k"); ok {
		t.Fatalf("entry outlived its original computation time")
	}
}

func TestWithStorage_ScopeIsolates(t *testing.T) {
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	admins := New[[]string]("group_membership", time.Minute, WithStorage(store, storage.WithProvider("groups", "admins")))
	ops := New[[]string]("group_membership", time.Minute, WithStorage(store, storage.WithProvider("groups", "ops")))

	ctx := context.Background()
	if _, err := admins.Get(ctx, "alice", func(context.Context, string) ([]string, error) { return []string{"gid-admins"}, nil }); err != nil {
		t.Fatalf("admins: %v", err)
	}
	got, err := ops.Get(ctx, "alice", func(context.Context, string) ([]string, error) { return []string{}, nil })
	if err != nil {
		t.Fatalf("ops: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("ops read admins' membership: %v", got)
	}
}

func TestWithStorage_InvalidateReachesSharedTier(t *testing.T) {
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	var calls atomic.Int32
	loader := func(context.Context, string) (string, error) {
		return fmt.Sprintf("v%d", calls.Add(1)), nil
	}
	replicaA := New[string]("tok", time.Minute, WithStorage(store))
	replicaB := New[string]("tok", time.Minute, WithStorage(store))

	ctx := context.Background()
	if _, err := replicaA.Get(ctx, "k", loader); err != nil {
		t.Fatalf("a: %v", err)
	}
	if err := replicaA.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	got, err := replicaA.Get(ctx, "k", loader)
	if err != nil {
		t.Fatalf("a again: %v", err)
	}
	if got != "v2" || calls.Load() != 2 {
		t.Fatalf("invalidated key served %q after %d loads, want fresh load", got, calls.Load())
	}
	if got, _ := replicaB.Get(ctx, "k", loader); got != "v2" {
		t.Fatalf("replica b = %q, want the reloaded value", got)
	}

	if err := replicaA.Purge(ctx); err != nil {
		t.Fatalf("purge: %v", err)
	}
	if replicaA.Len() != 0 {
		t.Fatalf("purge left %d local entries", replicaA.Len())
	}
	if item, _ := store.Get(ctx, "k", storage.WithCache("tok")); item != nil {
		t.Fatalf("purge left the shared entry in place")
	}
}

func TestWithStorage_SharedHitIsNotALoad(t *testing.T) {
	store, err := memory.New(16)
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	defer store.Close()

	obs := &countingObserver{}
	loader := func(context.Context, string) (string, error) { return "v", nil }
	replicaA := New[string]("tok", time.Minute, WithStorage(store), WithObserver(obs))
	replicaB := New[string]("tok", time.Minute, WithStorage(store), WithObserver(obs))

	ctx := context.Background()
	_, _ = replicaA.Get(ctx, "k", loader)
	_, _ = replicaB.Get(ctx, "k", loader)

	if obs.loads.Load() != 1 || obs.shared.Load() != 1 {
		t.Fatalf("loads = %d, shared hits = %d, want 1 and 1", obs.loads.Load(), obs.shared.Load())
	}
}

func TestSet_WinsOverInFlightLoad(t *testing.T) {
	c := New[string]("keys", 0)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan string, 1)
	go func() {
		v, _ := c.Get(context.Background(), "jwks", func(context.Context, string) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
		done <- v
	}()

	<-started
	c.Set(context.Background(), "jwks", "fresh")
	close(release)
	if v := <-done; v != "stale" {
		t.Fatalf("in-flight waiter = %q, want its own result", v)
	}
	if v, ok := c.Peek("jwks"); !ok || v != "fresh" {
		t.Fatalf("peek = %q, %v; the older load overwrote Set", v, ok)
	}
}
