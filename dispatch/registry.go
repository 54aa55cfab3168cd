package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ggoodman/dispatch-go/auth"
)

// ErrUnknownProviderType is returned for a provider type with no factory.
var ErrUnknownProviderType = errors.New("unknown provider type")

var errRegistryClosed = errors.New("registry closed")

// Factory constructs an uninitialized provider for a configuration key.
type Factory func(ctx context.Context, key string) (auth.Provider, error)

type slotKey struct {
	typ auth.ProviderType
	key string
}

type slot struct {
	once     sync.Once
	provider auth.Provider
	err      error
}

// Registry owns one provider instance per (type, key). The first lookup of a
// pair constructs and initializes it; concurrent first lookups share that
// work. A failure is remembered and returned to every later lookup.
type Registry struct {
	log *slog.Logger

	mu        sync.Mutex
	factories map[auth.ProviderType]Factory
	slots     map[slotKey]*slot
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRegistryLogger sets the logger for provider lifecycle events.
func WithRegistryLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// NewRegistry returns a registry that knows the "none" provider type.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		log:       slog.New(slog.DiscardHandler),
		factories: make(map[auth.ProviderType]Factory),
		slots:     make(map[slotKey]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.Register(auth.TypeNone, func(context.Context, string) (auth.Provider, error) {
		return auth.NoAuth{}, nil
	})
	return r
}

// Register installs the factory for typ, replacing any previous one.
// Instances already built are unaffected.
func (r *Registry) Register(typ auth.ProviderType, f Factory) {
	r.mu.Lock()
	r.factories[typ] = f
	r.mu.Unlock()
}

// Provider returns the initialized provider for (typ, key).
func (r *Registry) Provider(ctx context.Context, typ auth.ProviderType, key string) (auth.Provider, error) {
	k := slotKey{typ: typ, key: key}

	r.mu.Lock()
	s, ok := r.slots[k]
	if !ok {
		s = &slot{}
		r.slots[k] = s
	}
	f := r.factories[typ]
	r.mu.Unlock()

	s.once.Do(func() {
		s.provider, s.err = r.build(ctx, k, f)
	})
	return s.provider, s.err
}

func (r *Registry) build(ctx context.Context, k slotKey, f Factory) (auth.Provider, error) {
	name := providerName(k.typ, k.key)
	if f == nil {
		return nil, &auth.InitializationError{Provider: name, Err: fmt.Errorf("%w: %q", ErrUnknownProviderType, k.typ)}
	}

	p, err := f(ctx, k.key)
	if err != nil {
		return nil, asInitializationError(name, err)
	}
	if err := p.Initialize(ctx); err != nil {
		r.log.ErrorContext(ctx, "provider.init.fail", slog.String("provider", name), slog.String("err", err.Error()))
		return nil, asInitializationError(name, err)
	}
	r.log.InfoContext(ctx, "provider.init.ok", slog.String("provider", name))
	return p, nil
}

// Len reports how many (type, key) pairs have been requested.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.slots)
}

// Close closes every built provider that implements io.Closer.
func (r *Registry) Close() error {
	r.mu.Lock()
	slots := make([]*slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	r.mu.Unlock()

	var errs []error
	for _, s := range slots {
		// Waits for an in-progress build; an unstarted one is abandoned.
		s.once.Do(func() { s.err = errRegistryClosed })
		if c, ok := s.provider.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

func providerName(typ auth.ProviderType, key string) string {
	if key == "" {
		return string(typ)
	}
	return string(typ) + ":" + key
}

func asInitializationError(name string, err error) error {
	var ie *auth.InitializationError
	if errors.As(err, &ie) {
		return err
	}
	return &auth.InitializationError{Provider: name, Err: err}
}
