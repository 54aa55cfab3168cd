// Package auth defines the authentication contract used by the dispatcher:
// the Principal values a successful check produces, the Provider interface
// every authentication scheme implements, and the error taxonomy shared by
// all providers.
//
// The package also ships the two trivial providers. NoAuth always yields
// Anonymous and is the process-wide default when a route declares no
// requirement. Basic implements HTTP basic authentication against a pluggable
// CredentialStore.
//
// Bearer-token (OIDC) and group-membership providers live in the bearer and
// groups sub-packages.
//
// # Errors
//
// Every authentication failure is reported as an *AuthenticationError, which
// satisfies errors.Is(err, ErrUnauthorized). Its Error string is safe to show
// to callers; the wrapped cause is for server-side logs only.
//
//	p, err := provider.Authenticate(ctx, r)
//	if errors.Is(err, auth.ErrUnauthorized) { /* respond 403 */ }
//
// Initialize failures are reported as *InitializationError and are expected
// to abort startup.
package auth
