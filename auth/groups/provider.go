// Package groups extends bearer authentication with a group-membership
// check: only users belonging to at least one configured group are admitted.
package groups

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ggoodman/dispatch-go/auth"
	"github.com/ggoodman/dispatch-go/auth/bearer"
	"github.com/ggoodman/dispatch-go/cache"
	"github.com/ggoodman/dispatch-go/storage"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultDirectoryURL is used when Config.DirectoryURL is empty.
	DefaultDirectoryURL = "https://graph.microsoft.com/v1.0"
	// DefaultMembershipTTL is how long a membership answer is reused.
	DefaultMembershipTTL = 10 * time.Minute
)

// Config configures a Provider.
type Config struct {
	bearer.Config

	// Groups are the display names of the admitted groups.
	Groups []string
	// DirectoryURL is the base URL of the group directory.
	DirectoryURL string
	// Directory replaces the HTTP directory client.
	Directory Directory
	// MembershipTTL overrides DefaultMembershipTTL.
	MembershipTTL time.Duration
	// Storage, when set, shares membership answers between replicas.
	Storage storage.Storage
	// Name is the config key of this instance. It scopes shared membership
	// entries so that two group providers never read each other's answers.
	Name string
}

// Provider is a bearer provider that additionally requires group membership.
type Provider struct {
	*bearer.Provider

	names      []string
	dir        Directory
	log        *slog.Logger
	groupIDs   []string
	membership *cache.Cache[[]string]
}

var _ auth.Provider = (*Provider)(nil)

// New returns an uninitialized Provider.
func New(cfg Config) *Provider {
	bp := bearer.New(cfg.Config)
	bcfg := bp.Config()

	dir := cfg.Directory
	if dir == nil {
		base := cfg.DirectoryURL
		if base == "" {
			base = DefaultDirectoryURL
		}
		dir = &GraphDirectory{BaseURL: base, Client: bcfg.HTTPClient, Token: bp.ServiceToken}
	}

	ttl := cfg.MembershipTTL
	if ttl <= 0 {
		ttl = DefaultMembershipTTL
	}
	opts := []cache.Option{
		cache.WithClock(bcfg.Now),
		cache.WithObserver(bcfg.Observer),
		cache.WithLoadTimeout(bcfg.Timeout),
	}
	if cfg.Storage != nil {
		opts = append(opts, cache.WithStorage(cfg.Storage, storage.WithProvider(string(auth.TypeGroups), cfg.Name)))
	}

	return &Provider{
		Provider:   bp,
		names:      append([]string(nil), cfg.Groups...),
		dir:        dir,
		log:        bcfg.Logger,
		membership: cache.New[[]string]("group_membership", ttl, opts...),
	}
}

// Initialize initializes the bearer provider and resolves the configured
// group names to directory ids. Names without a match are dropped. Any
// directory failure is an InitializationError. Cached membership answers,
// including those in shared storage, are discarded.
func (p *Provider) Initialize(ctx context.Context) error {
	if err := p.Provider.Initialize(ctx); err != nil {
		return err
	}
	ids, err := p.resolveGroups(ctx)
	if err != nil {
		return &auth.InitializationError{Provider: string(auth.TypeGroups), Err: err}
	}
	p.groupIDs = ids
	p.log.InfoContext(ctx, "groups resolved", slog.Int("configured", len(p.names)), slog.Int("resolved", len(ids)))

	// Stored answers were computed against a previous resolution of the
	// group names.
	if err := p.membership.Purge(ctx); err != nil {
		p.log.WarnContext(ctx, "membership purge failed", slog.String("err", err.Error()))
	}
	return nil
}

// GroupIDs returns the resolved group ids in configuration order.
func (p *Provider) GroupIDs() []string { return append([]string(nil), p.groupIDs...) }

func (p *Provider) resolveGroups(ctx context.Context) ([]string, error) {
	found := make([]string, len(p.names))

	g, gctx := errgroup.WithContext(ctx)
	for i, name := range p.names {
		g.Go(func() error {
			id, ok, err := p.dir.ResolveGroupID(gctx, name)
			if err != nil {
				return fmt.Errorf("resolve group %q: %w", name, err)
			}
			if !ok {
				p.log.WarnContext(gctx, "group not found", slog.String("group", name))
				return nil
			}
			found[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(found))
	for _, id := range found {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (p *Provider) Authenticate(ctx context.Context, r *http.Request) (auth.Principal, error) {
	pr, err := p.Provider.Authenticate(ctx, r)
	if err != nil {
		return nil, err
	}

	user, ok := pr.(*auth.ServiceOrUserPrincipal)
	if !ok || user.IsService() {
		return nil, auth.Unauthorized("service callers are not allowed", nil)
	}

	member, err := p.membership.Get(ctx, user.Username, p.loadMembership)
	if err != nil {
		p.log.ErrorContext(ctx, "membership check failed",
			slog.String("username", user.Username),
			slog.String("err_type", fmt.Sprintf("%T", err)),
			slog.String("err", err.Error()))
		return nil, auth.Unauthorized("", err)
	}
	if len(member) == 0 {
		return nil, auth.Unauthorized("not a member of an allowed group", nil)
	}
	return user, nil
}

func (p *Provider) loadMembership(ctx context.Context, username string) ([]string, error) {
	if len(p.groupIDs) == 0 {
		return []string{}, nil
	}
	return p.dir.CheckMemberGroups(ctx, username, p.groupIDs)
}
