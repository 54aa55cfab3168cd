// Package memory keeps storage items in a bounded LRU
// (github.com/hashicorp/golang-lru/v2). It suits a single replica; expired
// items are removed lazily when read.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ggoodman/dispatch-go/storage"
	lru "github.com/hashicorp/golang-lru/v2"
)

// Storage is a storage.Storage held in process memory.
type Storage struct {
	items *lru.Cache[string, *storage.StorageItem]
	now   func() time.Time
}

var _ storage.Storage = (*Storage)(nil)

// New returns a Storage holding at most maxItems entries. The least recently
// used entry is evicted first.
func New(maxItems int) (*Storage, error) {
	items, err := lru.New[string, *storage.StorageItem](maxItems)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}
	return &Storage{items: items, now: time.Now}, nil
}

func (s *Storage) Get(_ context.Context, key string, opts ...storage.Option) (*storage.StorageItem, error) {
	k := storage.KeyPrefix(storage.Apply(opts...).Namespace) + key

	item, ok := s.items.Get(k)
	if !ok {
		return nil, nil
	}
	if item.IsExpired() {
		s.items.Remove(k)
		return nil, nil
	}
	return item, nil
}

func (s *Storage) Set(_ context.Context, key string, data []byte, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	createdAt, expiresAt := o.Stamp(s.now())

	s.items.Add(storage.KeyPrefix(o.Namespace)+key, &storage.StorageItem{
		Data:      append([]byte(nil), data...),
		CreatedAt: createdAt,
		ExpiresAt: expiresAt,
	})
	return nil
}

// Delete removes one key, or with no WithKey option every key in the
// namespace.
func (s *Storage) Delete(_ context.Context, opts ...storage.Option) error {
	o := storage.Apply(opts...)
	prefix := storage.KeyPrefix(o.Namespace)

	if o.Key != nil {
		s.items.Remove(prefix + *o.Key)
		return nil
	}
	for _, k := range s.items.Keys() {
		if strings.HasPrefix(k, prefix) {
			s.items.Remove(k)
		}
	}
	return nil
}

func (s *Storage) Close() error {
	s.items.Purge()
	return nil
}
