// Package bearer authenticates requests carrying an OIDC-issued RS256 access
// token and resolves them to a user or service principal.
package bearer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/dispatch-go/auth"
	"github.com/ggoodman/dispatch-go/cache"
	"github.com/ggoodman/dispatch-go/internal/jwtauth"
	"github.com/golang-jwt/jwt/v5"
)

const keySetKey = "jwks"

var (
	errTokenExpired     = errors.New("token outside validity window")
	errAudienceMismatch = errors.New("audience mismatch")
	errNoServiceID      = errors.New("token carries neither preferred_username nor a service id")
)

// Provider validates bearer tokens against the authority's published keys.
type Provider struct {
	cfg     Config
	log     *slog.Logger
	allowed map[string]struct{}

	keys   *cache.Cache[*jwtauth.KeySet]
	tokens *cache.Cache[string]
}

var _ auth.Provider = (*Provider)(nil)

// New returns an uninitialized Provider. Configuration problems are reported
// by Initialize.
func New(cfg Config) *Provider {
	cfg = cfg.withDefaults()

	allowed := make(map[string]struct{}, len(cfg.AllowedServiceIDs))
	for _, id := range cfg.AllowedServiceIDs {
		allowed[strings.ToLower(id)] = struct{}{}
	}

	opts := []cache.Option{
		cache.WithClock(cfg.Now),
		cache.WithObserver(cfg.Observer),
		cache.WithLoadTimeout(cfg.Timeout),
	}
	return &Provider{
		cfg:     cfg,
		log:     cfg.Logger,
		allowed: allowed,
		keys:    cache.New[*jwtauth.KeySet]("bearer_keys", 0, opts...),
		tokens:  cache.New[string]("bearer_service_token", ServiceTokenTTL, opts...),
	}
}

// Config returns the effective configuration.
func (p *Provider) Config() Config { return p.cfg }

// Initialize validates the configuration and loads the signing keys. A
// discovery or key fetch failure leaves the provider with an empty key set
// that rejects every token; it is logged, not returned.
func (p *Provider) Initialize(ctx context.Context) error {
	if err := p.cfg.validate(); err != nil {
		return &auth.InitializationError{Provider: string(auth.TypeBearer), Err: err}
	}
	_ = p.keys.Invalidate(ctx, keySetKey)
	if _, err := p.keys.Get(ctx, keySetKey, p.loadKeys); err != nil {
		return &auth.InitializationError{Provider: string(auth.TypeBearer), Err: err}
	}
	return nil
}

// Refresh re-runs discovery and replaces the key set. The current key set
// keeps serving requests while the fetch runs; on failure it stays in place
// and the error is returned.
func (p *Provider) Refresh(ctx context.Context) error {
	if p.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}
	ks, err := p.fetchKeys(ctx)
	if err != nil {
		p.log.WarnContext(ctx, "signing key refresh failed; keeping current keys",
			slog.String("authority", p.cfg.Authority),
			slog.String("err_type", fmt.Sprintf("%T", err)),
			slog.String("err", err.Error()))
		return err
	}
	p.keys.Set(ctx, keySetKey, ks)
	p.log.InfoContext(ctx, "signing keys refreshed", slog.Int("count", ks.Len()))
	return nil
}

func (p *Provider) loadKeys(ctx context.Context, _ string) (*jwtauth.KeySet, error) {
	ks, err := p.fetchKeys(ctx)
	if err != nil {
		p.log.ErrorContext(ctx, "signing keys unavailable; rejecting all tokens until refreshed",
			slog.String("authority", p.cfg.Authority),
			slog.String("err_type", fmt.Sprintf("%T", err)),
			slog.String("err", err.Error()))
		return jwtauth.EmptyKeySet(), nil
	}
	p.log.InfoContext(ctx, "signing keys loaded", slog.Int("count", ks.Len()))
	return ks, nil
}

func (p *Provider) fetchKeys(ctx context.Context) (*jwtauth.KeySet, error) {
	meta, err := jwtauth.Discover(ctx, p.cfg.HTTPClient, p.cfg.Authority, p.cfg.DiscoveryRetries)
	if err != nil {
		return nil, err
	}
	return jwtauth.FetchKeySet(ctx, p.cfg.HTTPClient, meta.JWKSURI)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Name              string `json:"name,omitempty"`
	PreferredUsername string `json:"preferred_username,omitempty"`
	AuthorizedParty   string `json:"azp,omitempty"`
	AppID             string `json:"appid,omitempty"`
}

func (p *Provider) Authenticate(ctx context.Context, r *http.Request) (auth.Principal, error) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, auth.Unauthorized("missing bearer token", nil)
	}

	ks, err := p.keys.Get(ctx, keySetKey, p.loadKeys)
	if err != nil {
		return nil, p.unexpected(ctx, err)
	}

	var claims tokenClaims
	if _, err := jwtauth.Verify(raw, ks, &claims); err != nil {
		p.log.DebugContext(ctx, "token rejected", slog.String("err", err.Error()))
		return nil, auth.Unauthorized("invalid token", err)
	}

	if !p.audienceMatches(claims.Audience) {
		return nil, auth.Unauthorized("invalid audience", errAudienceMismatch)
	}
	if !p.withinWindow(claims.NotBefore, claims.ExpiresAt) {
		return nil, auth.Unauthorized("token expired", errTokenExpired)
	}
	return p.principal(ctx, &claims)
}

func (p *Provider) audienceMatches(aud jwt.ClaimStrings) bool {
	return len(aud) == 1 && aud[0] == p.cfg.expectedAudience()
}

func (p *Provider) withinWindow(nbf, exp *jwt.NumericDate) bool {
	if exp == nil {
		return false
	}
	now := p.cfg.Now()
	if now.After(exp.Time) {
		return false
	}
	return nbf == nil || !now.Before(nbf.Time)
}

func (p *Provider) principal(ctx context.Context, c *tokenClaims) (auth.Principal, error) {
	iat, nbf, exp := numericTime(c.IssuedAt), numericTime(c.NotBefore), numericTime(c.ExpiresAt)

	if c.PreferredUsername != "" {
		pr, err := auth.NewUserPrincipal(c.Name, c.PreferredUsername, iat, nbf, exp)
		if err != nil {
			return nil, p.unexpected(ctx, err)
		}
		return pr, nil
	}

	serviceID := c.AuthorizedParty
	if serviceID == "" {
		serviceID = c.AppID
	}
	if serviceID == "" {
		return nil, auth.Unauthorized("invalid token", errNoServiceID)
	}
	if _, ok := p.allowed[strings.ToLower(serviceID)]; !ok {
		p.log.InfoContext(ctx, "service not allowed", slog.String("service_id", serviceID))
		return nil, auth.Unauthorized("service not authorized", nil)
	}
	pr, err := auth.NewServicePrincipal(serviceID, iat, nbf, exp)
	if err != nil {
		return nil, p.unexpected(ctx, err)
	}
	return pr, nil
}

func (p *Provider) unexpected(ctx context.Context, err error) error {
	p.log.ErrorContext(ctx, "unexpected error validating token",
		slog.String("err_type", fmt.Sprintf("%T", err)),
		slog.String("err", err.Error()))
	return auth.Unauthorized("invalid token", err)
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func numericTime(d *jwt.NumericDate) time.Time {
	if d == nil {
		return time.Time{}
	}
	return d.Time
}
