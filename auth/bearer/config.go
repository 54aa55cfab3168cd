package bearer

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ggoodman/dispatch-go/cache"
)

const (
	// DefaultServiceTokenScope is requested when Config.ServiceTokenScope is empty.
	DefaultServiceTokenScope = "https://graph.microsoft.com/.default"
	// DefaultTimeout bounds every outbound call when Config.Timeout is zero.
	DefaultTimeout = 10 * time.Second
	// DefaultDiscoveryRetries is the number of discovery attempts.
	DefaultDiscoveryRetries = 3
	// ServiceTokenTTL is how long a service token is reused after it was fetched.
	ServiceTokenTTL = 30 * time.Minute
)

// Config configures a Provider.
type Config struct {
	// Authority is the base URL of the identity authority. Required.
	Authority string
	// TenantID selects the token endpoint {Authority}/{TenantID}/oauth2/v2.0/token.
	TenantID string
	// ApplicationID is this application's client id. Required. It is the
	// expected audience unless Audience is set.
	ApplicationID string
	// Secret is the client secret used for service tokens.
	Secret string
	// Audience overrides the expected aud claim.
	Audience string
	// AllowedServiceIDs lists the service identities (azp/appid) accepted
	// for service callers. Compared case-insensitively.
	AllowedServiceIDs []string
	// ServiceTokenScope is the scope requested for service tokens.
	ServiceTokenScope string

	HTTPClient       *http.Client
	Timeout          time.Duration
	DiscoveryRetries uint
	Logger           *slog.Logger
	// Now is the clock used for the token time window.
	Now func() time.Time
	// Observer receives key and token cache events.
	Observer cache.Observer
}

func (c Config) validate() error {
	var errs []error
	if c.Authority == "" {
		errs = append(errs, errors.New("authority is required"))
	}
	if c.ApplicationID == "" {
		errs = append(errs, errors.New("application id is required"))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	c.Authority = strings.TrimSuffix(c.Authority, "/")
	if c.ServiceTokenScope == "" {
		c.ServiceTokenScope = DefaultServiceTokenScope
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.DiscoveryRetries == 0 {
		c.DiscoveryRetries = DefaultDiscoveryRetries
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.DiscardHandler)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func (c Config) expectedAudience() string {
	if c.Audience != "" {
		return c.Audience
	}
	return c.ApplicationID
}

// TokenURL is the client-credentials endpoint for the configured tenant.
func (c Config) TokenURL() string {
	return strings.TrimSuffix(c.Authority, "/") + "/" + c.TenantID + "/oauth2/v2.0/token"
}
