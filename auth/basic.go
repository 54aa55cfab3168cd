package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
)

const authorizationHeader = "Authorization"

// CredentialStore verifies a username/password pair.
type CredentialStore interface {
	Verify(ctx context.Context, username, password string) (bool, error)
}

// StaticCredentials is an in-memory username → password table compared by
// exact match.
type StaticCredentials map[string]string

func (s StaticCredentials) Verify(_ context.Context, username, password string) (bool, error) {
	want, ok := s[username]
	if !ok {
		return false, nil
	}
	return subtle.ConstantTimeCompare([]byte(want), []byte(password)) == 1, nil
}

// BasicOption configures a Basic provider.
type BasicOption func(*Basic)

// WithBasicLogger sets the logger used for store failures.
func WithBasicLogger(log *slog.Logger) BasicOption {
	return func(b *Basic) {
		if log != nil {
			b.log = log
		}
	}
}

// Basic implements HTTP basic authentication.
type Basic struct {
	store CredentialStore
	log   *slog.Logger
}

var _ Provider = (*Basic)(nil)

// NewBasic returns a Basic provider backed by store. A nil store is treated
// as an empty StaticCredentials table.
func NewBasic(store CredentialStore, opts ...BasicOption) *Basic {
	if store == nil {
		store = StaticCredentials{}
	}
	b := &Basic{store: store, log: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Basic) Initialize(context.Context) error { return nil }

func (b *Basic) Authenticate(ctx context.Context, r *http.Request) (Principal, error) {
	username, password, err := parseBasicHeader(r.Header.Get(authorizationHeader))
	if err != nil {
		return nil, Unauthorized("invalid basic credentials", err)
	}

	ok, err := b.store.Verify(ctx, username, password)
	if err != nil {
		b.log.ErrorContext(ctx, "credential store failure", slog.String("err_type", fmt.Sprintf("%T", err)), slog.String("err", err.Error()))
		return nil, Unauthorized("", err)
	}
	if !ok {
		return nil, Unauthorized("invalid basic credentials", nil)
	}

	return UsernamePrincipal{Username: username}, nil
}

func parseBasicHeader(header string) (string, string, error) {
	if header == "" {
		return "", "", fmt.Errorf("missing authorization header")
	}
	scheme, payload, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "basic") {
		return "", "", fmt.Errorf("unsupported authorization scheme")
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", fmt.Errorf("decode basic payload: %w", err)
	}
	username, password, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("basic payload is not user:pass")
	}
	return username, password, nil
}
