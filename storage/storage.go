// Package storage provides a small byte store with TTL support. It backs the
// optional shared tier of the authentication caches so that replicas of the
// same service can reuse each other's remote lookups.
package storage

import (
	"context"
	"time"
)

// Storage defines the primary interface for namespaced key/value storage
type Storage interface {
	// Get retrieves data for a specific key within the given namespace
	// Returns nil StorageItem if key doesn't exist or has expired
	// Returns error only for legitimate storage system failures
	Get(ctx context.Context, key string, opts ...Option) (*StorageItem, error)

	// Set stores data for a specific key within the given namespace
	Set(ctx context.Context, key string, data []byte, opts ...Option) error

	// Delete removes data within the given namespace
	// If no key specified via WithKey, removes entire namespace
	Delete(ctx context.Context, opts ...Option) error

	// Close closes the storage backend and releases resources
	Close() error
}

// StorageItem represents a stored piece of data with metadata
type StorageItem struct {
	Data      []byte     // The stored data
	CreatedAt time.Time  // When the item was created
	ExpiresAt *time.Time // When the item expires (nil = no expiration)
}

// IsExpired checks if the item has expired
func (si *StorageItem) IsExpired() bool {
	return si.ExpiresAt != nil && time.Now().After(*si.ExpiresAt)
}

// Option configures storage operations
type Option func(*Options)

// Options contains configuration for storage operations
type Options struct {
	Namespace Namespace      // Optional: specifies the storage namespace (nil = global)
	Key       *string        // Optional: specific key (for Delete operations)
	TTL       *time.Duration // Optional: time-to-live for the data
	CreatedAt *time.Time     // Optional: when the value was computed (default: now)
}

// Apply collects opts into an Options value.
func Apply(opts ...Option) *Options {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Namespace scopes keys. If nil, storage operates in the global namespace.
type Namespace interface {
	namespace() // private method to ensure only our types implement this
}

// CacheNamespace holds entries mirrored from a named cache.
type CacheNamespace struct {
	Cache string
}

func (CacheNamespace) namespace() {}

// ProviderNamespace holds entries owned by a single provider instance, so
// two instances of one provider type never read each other's answers.
type ProviderNamespace struct {
	Type string
	Key  string
}

func (ProviderNamespace) namespace() {}

// WithCache specifies a cache-level namespace
func WithCache(name string) Option {
	return func(opts *Options) {
		opts.Namespace = CacheNamespace{Cache: name}
	}
}

// WithProvider specifies a provider-level namespace
func WithProvider(providerType, key string) Option {
	return func(opts *Options) {
		opts.Namespace = ProviderNamespace{Type: providerType, Key: key}
	}
}

// WithKey specifies a specific key for Delete operations
// If not provided, Delete removes the entire namespace
func WithKey(key string) Option {
	return func(opts *Options) {
		opts.Key = &key
	}
}

// WithTTL sets a time-to-live for the stored data
func WithTTL(ttl time.Duration) Option {
	return func(opts *Options) {
		opts.TTL = &ttl
	}
}

// WithCreatedAt records when the value was computed. TTL is counted from
// this time rather than from the write, so a value mirrored late still
// expires when its original did.
func WithCreatedAt(t time.Time) Option {
	return func(opts *Options) {
		opts.CreatedAt = &t
	}
}

// Stamp returns the creation and expiry times implied by opts relative to now.
func (o *Options) Stamp(now time.Time) (createdAt time.Time, expiresAt *time.Time) {
	createdAt = now
	if o.CreatedAt != nil {
		createdAt = *o.CreatedAt
	}
	if o.TTL != nil {
		exp := createdAt.Add(*o.TTL)
		expiresAt = &exp
	}
	return createdAt, expiresAt
}

// KeyPrefix renders the namespace portion of a storage key. Backends append
// the item key to it.
func KeyPrefix(namespace Namespace) string {
	switch ns := namespace.(type) {
	case CacheNamespace:
		return "cache:" + ns.Cache + ":"
	case ProviderNamespace:
		return "provider:" + ns.Type + ":" + ns.Key + ":"
	default:
		return "global:"
	}
}
