package dispatch

import (
	"context"
	"net/http"

	"github.com/ggoodman/dispatch-go/auth"
)

// HandlerFunc handles one dispatched call. A nil result is written as 204;
// anything else is encoded as a JSON 200 response. Return *Error to choose
// a different status.
type HandlerFunc func(ctx context.Context, call *Call) (any, error)

// AuthRequirement selects the provider instance guarding a route or group.
type AuthRequirement struct {
	Type auth.ProviderType
	Key  string
}

// RequireAuth is shorthand for &AuthRequirement{Type: typ, Key: key}.
func RequireAuth(typ auth.ProviderType, key string) *AuthRequirement {
	return &AuthRequirement{Type: typ, Key: key}
}

// Route declares one handler. Path segments may be written as :name or
// {name}. An empty Method means GET.
type Route struct {
	Name    string
	Method  string
	Path    string
	Auth    *AuthRequirement
	Params  []ParamSpec
	Handler HandlerFunc
}

// Group declares routes sharing a path prefix, an auth requirement and an
// optional receiver that parameters of a matching type bind to.
type Group struct {
	Name     string
	Prefix   string
	Auth     *AuthRequirement
	Receiver any
	Routes   []Route
}

// Call carries the authenticated principal and bound parameters of one
// request.
type Call struct {
	Request   *http.Request
	Principal auth.Principal
	Route     string

	values map[string]any
}

// Arg returns the bound value of the named parameter, or the zero value when
// it was omitted or has a different type.
func Arg[T any](c *Call, name string) T {
	v, _ := Lookup[T](c, name)
	return v
}

// Lookup returns the bound value of the named parameter and whether it was
// bound.
func Lookup[T any](c *Call, name string) (T, bool) {
	var zero T
	if c == nil {
		return zero, false
	}
	raw, ok := c.values[name]
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}
