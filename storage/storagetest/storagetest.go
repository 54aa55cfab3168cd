// Package storagetest holds a conformance suite every storage.Storage
// backend is expected to pass.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/ggoodman/dispatch-go/storage"
)

// Run executes the conformance suite against s.
func Run(t *testing.T, s storage.Storage) {
	t.Helper()

	t.Run("SetAndGet", func(t *testing.T) { testSetAndGet(t, s) })
	t.Run("GetNonExistent", func(t *testing.T) { testGetNonExistent(t, s) })
	t.Run("TTL", func(t *testing.T) { testTTL(t, s) })
	t.Run("CreatedAt", func(t *testing.T) { testCreatedAt(t, s) })
	t.Run("Namespaces", func(t *testing.T) { testNamespaces(t, s) })
	t.Run("DeleteKey", func(t *testing.T) { testDeleteKey(t, s) })
	t.Run("DeleteNamespace", func(t *testing.T) { testDeleteNamespace(t, s) })
}

func testSetAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "test-key"
	data := []byte("test data")

	if err := s.Set(ctx, key, data); err != nil {
		t.Fatalf("Failed to set data: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if string(item.Data) != string(data) {
		t.Errorf("Expected data %s, got %s", data, item.Data)
	}
	if item.CreatedAt.IsZero() {
		t.Error("CreatedAt should not be zero")
	}
	if item.ExpiresAt != nil {
		t.Error("ExpiresAt should be nil for data without TTL")
	}
}

func testGetNonExistent(t *testing.T, s storage.Storage) {
	item, err := s.Get(context.Background(), "non-existent-key")
	if err != nil {
		t.Fatalf("Failed to get non-existent key: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for non-existent key, got item")
	}
}

func testTTL(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "ttl-key"
	ttl := 100 * time.Millisecond

	if err := s.Set(ctx, key, []byte("ttl data"), storage.WithTTL(ttl)); err != nil {
		t.Fatalf("Failed to set data with TTL: %v", err)
	}

	item, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get data: %v", err)
	}
	if item == nil {
		t.Fatal("Expected item to exist, got nil")
	}
	if item.ExpiresAt == nil {
		t.Fatal("ExpiresAt should not be nil for data with TTL")
	}

	time.Sleep(ttl + 50*time.Millisecond)

	item, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Failed to get expired data: %v", err)
	}
	if item != nil {
		t.Error("Expected nil for expired data, got item")
	}
}

func testCreatedAt(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	computed := time.Now().Add(-time.Minute).Truncate(time.Millisecond)

	if err := s.Set(ctx, "fresh", []byte("x"), storage.WithCreatedAt(computed), storage.WithTTL(time.Hour)); err != nil {
		t.Fatalf("set fresh: %v", err)
	}
	item, err := s.Get(ctx, "fresh")
	if err != nil || item == nil {
		t.Fatalf("get fresh = %v, %v", item, err)
	}
	if !item.CreatedAt.Equal(computed) {
		t.Errorf("CreatedAt = %v, want %v", item.CreatedAt, computed)
	}
	if item.ExpiresAt == nil || !item.ExpiresAt.Equal(computed.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v, want %v", item.ExpiresAt, computed.Add(time.Hour))
	}

	// TTL counts from the computation time, so this is already stale.
	if err := s.Set(ctx, "stale", []byte("x"), storage.WithCreatedAt(computed), storage.WithTTL(time.Second)); err != nil {
		t.Fatalf("set stale: %v", err)
	}
	if item, _ := s.Get(ctx, "stale"); item != nil {
		t.Error("expected stale item to be absent")
	}
}

func testNamespaces(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	key := "alice"

	if err := s.Set(ctx, key, []byte("global")); err != nil {
		t.Fatalf("set global: %v", err)
	}
	if err := s.Set(ctx, key, []byte("membership"), storage.WithCache("groups")); err != nil {
		t.Fatalf("set cache ns: %v", err)
	}
	if err := s.Set(ctx, key, []byte("provider"), storage.WithProvider("groups", "admins")); err != nil {
		t.Fatalf("set provider ns: %v", err)
	}

	cases := []struct {
		opts []storage.Option
		want string
	}{
		{nil, "global"},
		{[]storage.Option{storage.WithCache("groups")}, "membership"},
		{[]storage.Option{storage.WithProvider("groups", "admins")}, "provider"},
	}
	for _, c := range cases {
		item, err := s.Get(ctx, key, c.opts...)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if item == nil || string(item.Data) != c.want {
			t.Errorf("namespace isolation broken: got %v, want %q", item, c.want)
		}
	}

	item, err := s.Get(ctx, key, storage.WithCache("other"))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if item != nil {
		t.Error("unrelated namespace should be empty")
	}
}

func testDeleteKey(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	if err := s.Set(ctx, "k1", []byte("1"), storage.WithCache("del")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := s.Set(ctx, "k2", []byte("2"), storage.WithCache("del")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.Delete(ctx, storage.WithCache("del"), storage.WithKey("k1")); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if item, _ := s.Get(ctx, "k1", storage.WithCache("del")); item != nil {
		t.Error("k1 should be deleted")
	}
	if item, _ := s.Get(ctx, "k2", storage.WithCache("del")); item == nil {
		t.Error("k2 should remain")
	}
}

func testDeleteNamespace(t *testing.T, s storage.Storage) {
	ctx := context.Background()

	for _, k := range []string{"a", "b", "c"} {
		if err := s.Set(ctx, k, []byte(k), storage.WithCache("wipe")); err != nil {
			t.Fatalf("set: %v", err)
		}
	}
	if err := s.Set(ctx, "a", []byte("keep"), storage.WithCache("keep")); err != nil {
		t.Fatalf("set: %v", err)
	}

	if err := s.Delete(ctx, storage.WithCache("wipe")); err != nil {
		t.Fatalf("delete namespace: %v", err)
	}

	for _, k := range []string{"a", "b", "c"} {
		if item, _ := s.Get(ctx, k, storage.WithCache("wipe")); item != nil {
			t.Errorf("%s should be deleted", k)
		}
	}
	if item, _ := s.Get(ctx, "a", storage.WithCache("keep")); item == nil {
		t.Error("other namespace should be untouched")
	}
}
