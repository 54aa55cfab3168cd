package redis

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/ggoodman/dispatch-go/storage/storagetest"
	"github.com/redis/go-redis/v9"
)

func newTestStorage(t *testing.T) (*Storage, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	s, err := New(Config{Client: client})
	if err != nil {
		t.Fatalf("Failed to create Redis storage: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, mr
}

func TestRedisStorage(t *testing.T) {
	s, _ := newTestStorage(t)
	storagetest.Run(t, s)
}

func TestKeyLayout(t *testing.T) {
	s, mr := newTestStorage(t)

	if err := s.Set(context.Background(), "alice", []byte("x")); err != nil {
		t.Fatalf("set: %v", err)
	}
	if !mr.Exists("dispatch:global:alice") {
		t.Fatalf("expected prefixed global key, have %v", mr.Keys())
	}
}

func TestNew_RequiresClient(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error without client")
	}
}
