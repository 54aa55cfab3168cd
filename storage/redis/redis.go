// Package redis stores items in Redis so that several dispatcher replicas
// share cached lookups. Each item is a small JSON envelope; Redis key expiry
// is set from the item's own expiry so stale entries disappear server side.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/dispatch-go/storage"
	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix is used when Config.KeyPrefix is empty.
const DefaultKeyPrefix = "dispatch:"

// Config configures a Storage.
type Config struct {
	// Client is required. Storage.Close closes it.
	Client *redis.Client
	// KeyPrefix is prepended to every key.
	KeyPrefix string
}

// Storage is a storage.Storage backed by Redis.
type Storage struct {
	client *redis.Client
	prefix string
	now    func() time.Time
}

var _ storage.Storage = (*Storage)(nil)

type envelope struct {
	Data      []byte     `json:"d"`
	CreatedAt time.Time  `json:"c"`
	ExpiresAt *time.Time `json:"e,omitempty"`
}

// New returns a Storage using cfg.Client.
func New(cfg Config) (*Storage, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Storage{client: cfg.Client, prefix: prefix, now: time.Now}, nil
}

func (s *Storage) key(ns storage.Namespace, key string) string {
	return s.prefix + storage.KeyPrefix(ns) + key
}

func (s *Storage) Get(ctx context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	k := s.key(storage.Apply(opts...).Namespace, key)

	raw, err := s.client.Get(ctx, k).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", k, err)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s: %w", k, err)
	}
	item := &storage.StorageItem{Data: env.Data, CreatedAt: env.CreatedAt, ExpiresAt: env.ExpiresAt}
	// Redis expiry is coarse; the envelope is authoritative.
	if item.IsExpired() {
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(ctx context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	now := s.now()
	createdAt, expiresAt := o.Stamp(now)

	var ttl time.Duration
	if expiresAt != nil {
		ttl = expiresAt.Sub(now)
		if ttl <= 0 {
			return nil
		}
	}

	raw, err := json.Marshal(envelope{Data: data, CreatedAt: createdAt, ExpiresAt: expiresAt})
	if err != nil {
		return fmt.Errorf("encode item: %w", err)
	}
	k := s.key(o.Namespace, key)
	if err := s.client.Set(ctx, k, raw, ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", k, err)
	}
	return nil
}

// Delete removes one key, or with no WithKey option every key in the
// namespace. Namespace deletion walks the keyspace with SCAN.
func (s *Storage) Delete(ctx context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	if o.Key != nil {
		k := s.key(o.Namespace, *o.Key)
		if err := s.client.Del(ctx, k).Err(); err != nil {
			return fmt.Errorf("redis del %s: %w", k, err)
		}
		return nil
	}

	iter := s.client.Scan(ctx, 0, s.key(o.Namespace, "*"), 100).Iterator()
	var batch []string
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == 100 {
			if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
				return fmt.Errorf("redis unlink: %w", err)
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(batch) > 0 {
		if err := s.client.Unlink(ctx, batch...).Err(); err != nil {
			return fmt.Errorf("redis unlink: %w", err)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	return s.client.Close()
}
