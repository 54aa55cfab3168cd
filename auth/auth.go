package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrUnauthorized indicates authentication failed or no valid credentials were supplied.
var ErrUnauthorized = errors.New("unauthorized")

// ErrInitialization indicates a provider could not complete its startup work.
var ErrInitialization = errors.New("provider initialization failed")

// ProviderType names a family of providers. Together with a configuration
// key it identifies one provider instance.
type ProviderType string

const (
	TypeNone   ProviderType = "none"
	TypeBasic  ProviderType = "basic"
	TypeBearer ProviderType = "bearer"
	TypeGroups ProviderType = "groups"
)

// Provider authenticates inbound requests.
//
// Initialize is called exactly once, before the first Authenticate. Providers
// must only read request headers and must be safe for concurrent use once
// initialized.
type Provider interface {
	Initialize(ctx context.Context) error
	Authenticate(ctx context.Context, r *http.Request) (Principal, error)
}

// AuthenticationError is returned by Authenticate for any rejected request.
// Message is caller-facing; Err carries internal detail and must not be
// written to responses.
type AuthenticationError struct {
	Message string
	Err     error
}

// Unauthorized builds an AuthenticationError with a caller-facing message
// and an optional internal cause.
func Unauthorized(message string, cause error) *AuthenticationError {
	return &AuthenticationError{Message: message, Err: cause}
}

func (e *AuthenticationError) Error() string {
	if e.Message == "" {
		return ErrUnauthorized.Error()
	}
	return e.Message
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Is(target error) bool { return target == ErrUnauthorized }

// StatusCode is the HTTP status authentication failures map to.
func (e *AuthenticationError) StatusCode() int { return http.StatusForbidden }

// InitializationError reports that a provider could not finish Initialize.
type InitializationError struct {
	Provider string
	Err      error
}

func (e *InitializationError) Error() string {
	return fmt.Sprintf("initialize %s provider: %v", e.Provider, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

func (e *InitializationError) Is(target error) bool { return target == ErrInitialization }

// AsAuthenticationError normalizes any error returned from a provider into
// an *AuthenticationError. Errors that are already authentication errors
// pass through; anything else becomes a generic rejection wrapping the cause.
func AsAuthenticationError(err error) *AuthenticationError {
	if err == nil {
		return nil
	}
	var ae *AuthenticationError
	if errors.As(err, &ae) {
		return ae
	}
	return Unauthorized("", err)
}
