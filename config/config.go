// Package config loads process settings from the environment and provider
// settings from a YAML file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// ErrUnknownKey is returned by Providers.Get for an unconfigured key.
var ErrUnknownKey = errors.New("config: unknown provider key")

// Server holds process settings. ENV names are given in the struct tags.
type Server struct {
	// Addr is the listen address. ENV: DISPATCH_ADDR
	Addr string `env:"DISPATCH_ADDR,default=:8080"`
	// LogLevel is one of debug, info, warn, error. ENV: DISPATCH_LOG_LEVEL
	LogLevel string `env:"DISPATCH_LOG_LEVEL,default=info"`
	// ProvidersFile is the YAML provider settings file. ENV: DISPATCH_PROVIDERS_FILE
	ProvidersFile string `env:"DISPATCH_PROVIDERS_FILE"`
	// RedisAddr enables the shared cache tier when set. ENV: DISPATCH_REDIS_ADDR
	RedisAddr string `env:"DISPATCH_REDIS_ADDR"`
	// HTTPTimeout bounds outbound calls. ENV: DISPATCH_HTTP_TIMEOUT
	HTTPTimeout time.Duration `env:"DISPATCH_HTTP_TIMEOUT,default=10s"`
	// MetricsPath serves Prometheus metrics when non-empty. ENV: DISPATCH_METRICS_PATH
	MetricsPath string `env:"DISPATCH_METRICS_PATH,default=/metrics"`
	// DefaultAuth guards routes that declare no provider, written as
	// type:key (for example bearer:default). ENV: DISPATCH_DEFAULT_AUTH
	DefaultAuth string `env:"DISPATCH_DEFAULT_AUTH"`
}

// LoadServer decodes Server from the environment, applying tag defaults.
func LoadServer() (Server, error) {
	var s Server
	if err := envdecode.Decode(&s); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Server{}, fmt.Errorf("decode environment: %w", err)
	}
	if _, err := s.Level(); err != nil {
		return Server{}, err
	}
	if _, _, _, err := s.DefaultAuthRef(); err != nil {
		return Server{}, err
	}
	return s, nil
}

// DefaultAuthRef splits DefaultAuth into its provider type and key. ok is
// false when DefaultAuth is empty.
func (s Server) DefaultAuthRef() (typ, key string, ok bool, err error) {
	if s.DefaultAuth == "" {
		return "", "", false, nil
	}
	typ, key, found := strings.Cut(s.DefaultAuth, ":")
	if !found || typ == "" {
		return "", "", false, fmt.Errorf("invalid default auth %q: want type:key", s.DefaultAuth)
	}
	return typ, key, true, nil
}

// Level parses LogLevel.
func (s Server) Level() (slog.Level, error) {
	var lvl slog.Level
	if s.LogLevel == "" {
		return slog.LevelInfo, nil
	}
	if err := lvl.UnmarshalText([]byte(s.LogLevel)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", s.LogLevel, err)
	}
	return lvl, nil
}

// ProviderSettings configures one provider instance. Which fields apply
// depends on the provider type.
type ProviderSettings struct {
	Authority         string   `yaml:"authority"`
	Audience          string   `yaml:"audience"`
	TenantID          string   `yaml:"tenant_id"`
	ApplicationID     string   `yaml:"application_id"`
	Secret            string   `yaml:"secret"`
	AllowedServiceIDs []string `yaml:"allowed_service_ids"`
	AllowedGroups     []string `yaml:"allowed_groups"`
	DirectoryURL      string   `yaml:"directory_url"`
	ServiceTokenScope string   `yaml:"service_token_scope"`

	// Users maps usernames to bcrypt hashes for basic auth.
	Users map[string]string `yaml:"users"`
	// PlainUsers maps usernames to plaintext passwords for basic auth.
	PlainUsers map[string]string `yaml:"plain_users"`
	// UsersFile names a hot-reloaded YAML users file for basic auth.
	UsersFile string `yaml:"users_file"`
}

// Providers maps config keys to settings.
type Providers map[string]ProviderSettings

// Get returns the settings for key.
func (p Providers) Get(key string) (ProviderSettings, error) {
	s, ok := p[key]
	if !ok {
		return ProviderSettings{}, fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	return s, nil
}

type providersDoc struct {
	Providers Providers `yaml:"providers"`
}

// LoadProviders reads provider settings from path. ${VAR} references are
// expanded from the environment before parsing.
func LoadProviders(path string) (Providers, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read provider settings: %w", err)
	}
	return ParseProviders(raw)
}

// ParseProviders parses a document of the form
//
//	providers:
//	  <key>:
//	    authority: https://login.example.com
//	    application_id: ...
func ParseProviders(raw []byte) (Providers, error) {
	var doc providersDoc
	if err := yaml.Unmarshal(expandEnv(raw), &doc); err != nil {
		return nil, fmt.Errorf("parse provider settings: %w", err)
	}
	if doc.Providers == nil {
		doc.Providers = Providers{}
	}
	return doc.Providers, nil
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${NAME} only; bare $ sequences such as bcrypt hashes
// are left alone.
func expandEnv(raw []byte) []byte {
	return envRef.ReplaceAllFunc(raw, func(m []byte) []byte {
		return []byte(os.Getenv(string(m[2 : len(m)-1])))
	})
}
