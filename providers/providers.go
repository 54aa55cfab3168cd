// Package providers installs the standard provider factories into a
// dispatch.Registry, building each instance from its config key's settings.
package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/dispatch-go/auth"
	"github.com/ggoodman/dispatch-go/auth/bearer"
	"github.com/ggoodman/dispatch-go/auth/credentials"
	"github.com/ggoodman/dispatch-go/auth/groups"
	"github.com/ggoodman/dispatch-go/cache"
	"github.com/ggoodman/dispatch-go/config"
	"github.com/ggoodman/dispatch-go/dispatch"
	"github.com/ggoodman/dispatch-go/storage"
)

// Options carries the shared dependencies handed to every provider.
type Options struct {
	Logger     *slog.Logger
	HTTPClient *http.Client
	Timeout    time.Duration
	// Storage shares group membership answers between replicas.
	Storage  storage.Storage
	Observer cache.Observer
}

// Register installs basic, bearer and groups factories backed by settings.
func Register(reg *dispatch.Registry, settings config.Providers, opts Options) {
	log := opts.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}

	reg.Register(auth.TypeBasic, func(_ context.Context, key string) (auth.Provider, error) {
		s, err := settings.Get(key)
		if err != nil {
			return nil, err
		}
		return newBasic(s, log.With(slog.String("provider", "basic:"+key)))
	})

	reg.Register(auth.TypeBearer, func(_ context.Context, key string) (auth.Provider, error) {
		s, err := settings.Get(key)
		if err != nil {
			return nil, err
		}
		return bearer.New(bearerConfig(s, opts, log.With(slog.String("provider", "bearer:"+key)))), nil
	})

	reg.Register(auth.TypeGroups, func(_ context.Context, key string) (auth.Provider, error) {
		s, err := settings.Get(key)
		if err != nil {
			return nil, err
		}
		if len(s.AllowedGroups) == 0 {
			return nil, errors.New("groups provider requires allowed_groups")
		}
		return groups.New(groups.Config{
			Config:       bearerConfig(s, opts, log.With(slog.String("provider", "groups:"+key))),
			Groups:       s.AllowedGroups,
			DirectoryURL: s.DirectoryURL,
			Storage:      opts.Storage,
			Name:         key,
		}), nil
	})
}

func bearerConfig(s config.ProviderSettings, opts Options, log *slog.Logger) bearer.Config {
	return bearer.Config{
		Authority:         s.Authority,
		TenantID:          s.TenantID,
		ApplicationID:     s.ApplicationID,
		Secret:            s.Secret,
		Audience:          s.Audience,
		AllowedServiceIDs: s.AllowedServiceIDs,
		ServiceTokenScope: s.ServiceTokenScope,
		HTTPClient:        opts.HTTPClient,
		Timeout:           opts.Timeout,
		Logger:            log,
		Observer:          opts.Observer,
	}
}

// fileBasic is a Basic provider whose store must be closed with it.
type fileBasic struct {
	*auth.Basic
	io.Closer
}

func newBasic(s config.ProviderSettings, log *slog.Logger) (auth.Provider, error) {
	set := 0
	for _, on := range []bool{s.UsersFile != "", len(s.Users) > 0, len(s.PlainUsers) > 0} {
		if on {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("basic provider takes only one of users, plain_users and users_file")
	}

	if len(s.PlainUsers) > 0 {
		return auth.NewBasic(auth.StaticCredentials(s.PlainUsers), auth.WithBasicLogger(log)), nil
	}
	if s.UsersFile != "" {
		f, err := credentials.OpenFile(s.UsersFile, credentials.WithLogger(log))
		if err != nil {
			return nil, err
		}
		return fileBasic{Basic: auth.NewBasic(f, auth.WithBasicLogger(log)), Closer: f}, nil
	}
	users, err := credentials.NewHashed(s.Users)
	if err != nil {
		return nil, fmt.Errorf("users: %w", err)
	}
	return auth.NewBasic(users, auth.WithBasicLogger(log)), nil
}
