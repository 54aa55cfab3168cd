// Package dispatch routes HTTP requests to handler functions declared as
// route metadata. Each route is guarded by exactly one auth provider,
// resolved once at startup, and its parameters are bound from the request
// according to a plan compiled at registration.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"

	"github.com/ggoodman/dispatch-go/auth"
	"github.com/ggoodman/dispatch-go/internal/logctx"
	"github.com/ggoodman/dispatch-go/metrics"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// DefaultMaxBodyBytes bounds request bodies decoded by FromBody parameters.
const DefaultMaxBodyBytes = 1 << 20

type route struct {
	name     string
	method   string
	pattern  string
	handler  HandlerFunc
	provider auth.Provider
	authName string
	params   []boundParam
}

// Dispatcher is an http.Handler serving the declared routes.
type Dispatcher struct {
	router       chi.Router
	log          *slog.Logger
	metrics      *metrics.Metrics
	maxBodyBytes int64
	routes       []*route
}

// Option configures a Dispatcher.
type Option func(*newConfig)

type newConfig struct {
	logger       *slog.Logger
	metrics      *metrics.Metrics
	defaultAuth  AuthRequirement
	maxBodyBytes int64
}

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithMetrics records request and auth outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithDefaultAuth replaces the no-auth provider used by routes and groups
// that declare no requirement.
func WithDefaultAuth(req AuthRequirement) Option {
	return func(c *newConfig) { c.defaultAuth = req }
}

// WithMaxBodyBytes overrides DefaultMaxBodyBytes. Zero or less disables the limit.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// New resolves every route's provider through reg and compiles its binding
// plan. Any provider initialization error or invalid declaration aborts
// construction.
func New(ctx context.Context, reg *Registry, groups []Group, opts ...Option) (*Dispatcher, error) {
	if reg == nil {
		return nil, errors.New("registry is required")
	}
	cfg := &newConfig{
		logger:       slog.New(slog.DiscardHandler),
		defaultAuth:  AuthRequirement{Type: auth.TypeNone},
		maxBodyBytes: DefaultMaxBodyBytes,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = slog.New(slog.DiscardHandler)
	}

	d := &Dispatcher{
		router:       chi.NewRouter(),
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		metrics:      cfg.metrics,
		maxBodyBytes: cfg.maxBodyBytes,
	}

	notFound := func(w http.ResponseWriter, r *http.Request) {
		d.metrics.Request("", http.StatusNotFound)
		writeJSONError(w, http.StatusNotFound, "no route for "+r.Method+" "+r.URL.Path)
	}
	d.router.NotFound(notFound)
	d.router.MethodNotAllowed(notFound)

	seen := make(map[string]string)
	for _, g := range groups {
		for _, rt := range g.Routes {
			compiled, err := d.compile(ctx, reg, cfg.defaultAuth, g, rt)
			if err != nil {
				return nil, err
			}
			sig := compiled.method + " " + compiled.pattern
			if prev, ok := seen[sig]; ok {
				return nil, fmt.Errorf("route %s: %s already registered by %s", compiled.name, sig, prev)
			}
			seen[sig] = compiled.name

			chi.RegisterMethod(compiled.method)
			d.router.Method(compiled.method, compiled.pattern, d.serve(compiled))
			d.routes = append(d.routes, compiled)
			d.log.DebugContext(ctx, "route.registered",
				slog.String("route", compiled.name),
				slog.String("method", compiled.method),
				slog.String("pattern", compiled.pattern),
				slog.String("auth", compiled.authName))
		}
	}
	return d, nil
}

func (d *Dispatcher) compile(ctx context.Context, reg *Registry, def AuthRequirement, g Group, rt Route) (*route, error) {
	method := strings.ToUpper(rt.Method)
	if method == "" {
		method = http.MethodGet
	}
	pattern, segments, err := parsePattern(joinPath(g.Prefix, rt.Path))
	if err != nil {
		return nil, err
	}
	name := rt.Name
	if name == "" {
		name = method + " " + pattern
	}
	if rt.Handler == nil {
		return nil, fmt.Errorf("route %s: handler is required", name)
	}

	req := def
	switch {
	case rt.Auth != nil:
		req = *rt.Auth
	case g.Auth != nil:
		req = *g.Auth
	}
	provider, err := reg.Provider(ctx, req.Type, req.Key)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", name, err)
	}

	plan, err := compilePlan(rt.Params, segments, g.Receiver)
	if err != nil {
		return nil, fmt.Errorf("route %s: %w", name, err)
	}

	return &route{
		name:     name,
		method:   method,
		pattern:  pattern,
		handler:  rt.Handler,
		provider: provider,
		authName: providerName(req.Type, req.Key),
		params:   plan,
	}, nil
}

// Provider returns the provider guarding the named route.
func (d *Dispatcher) Provider(routeName string) (auth.Provider, bool) {
	for _, rt := range d.routes {
		if rt.name == routeName {
			return rt.provider, true
		}
	}
	return nil, false
}

func (d *Dispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	d.router.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		Path:       r.URL.Path,
		RemoteAddr: r.RemoteAddr,
	})))
}

func (d *Dispatcher) serve(rt *route) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rd, ok := logctx.RequestDataFrom(r.Context()); ok {
			rd.Route = rt.name
		}
		status := d.handle(w, r, rt)
		d.metrics.Request(rt.name, status)
	}
}

func (d *Dispatcher) handle(w http.ResponseWriter, r *http.Request, rt *route) int {
	ctx := r.Context()

	principal, err := rt.provider.Authenticate(ctx, r)
	if err != nil {
		ae := auth.AsAuthenticationError(err)
		attrs := []any{slog.String("provider", rt.authName), slog.String("reason", ae.Error())}
		if ae.Err != nil {
			attrs = append(attrs, slog.String("err", ae.Err.Error()))
		}
		d.log.InfoContext(ctx, "auth.fail", attrs...)
		d.metrics.AuthFailure(rt.authName)
		writeJSONError(w, ae.StatusCode(), ae.Error())
		return ae.StatusCode()
	}
	if principal == nil {
		principal = auth.Anonymous{}
	}
	ctx = logctx.WithPrincipalData(ctx, &logctx.PrincipalData{
		Provider: rt.authName,
		Kind:     principalKind(principal),
		Identity: principal.Identity(),
	})
	r = r.WithContext(ctx)

	call := &Call{Request: r, Principal: principal, Route: rt.name, values: make(map[string]any, len(rt.params))}
	in := &bindInput{ctx: ctx, w: w, r: r, principal: principal, maxBodyBytes: d.maxBodyBytes}
	for _, p := range rt.params {
		v, ok, err := p.bind(in)
		if err != nil {
			status, msg := d.errorResponse(ctx, err)
			d.log.InfoContext(ctx, "bind.fail", slog.String("param", p.name), slog.String("err", err.Error()))
			writeJSONError(w, status, msg)
			return status
		}
		if ok {
			call.values[p.name] = v
		}
	}

	result, err := d.invoke(ctx, rt, call)
	if err != nil {
		status, msg := d.errorResponse(ctx, err)
		writeJSONError(w, status, msg)
		return status
	}
	if result == nil {
		w.WriteHeader(http.StatusNoContent)
		return http.StatusNoContent
	}

	body, err := json.Marshal(result)
	if err != nil {
		d.log.ErrorContext(ctx, "response.encode.fail", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError))
		return http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
	return http.StatusOK
}

func (d *Dispatcher) invoke(ctx context.Context, rt *route, call *Call) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			d.log.ErrorContext(ctx, "handler.panic", slog.Any("panic", rec), slog.String("stack", string(debug.Stack())))
			result, err = nil, Internal(fmt.Errorf("panic: %v", rec))
		}
	}()
	return rt.handler(ctx, call)
}

// errorResponse maps an error to the status and caller-facing message.
func (d *Dispatcher) errorResponse(ctx context.Context, err error) (int, string) {
	var de *Error
	if errors.As(err, &de) {
		if de.Status >= http.StatusInternalServerError {
			d.log.ErrorContext(ctx, "handler.fail", slog.String("err_type", fmt.Sprintf("%T", de.Err)), slog.String("err", de.Error()))
		}
		msg := de.Message
		if msg == "" {
			msg = http.StatusText(de.Status)
		}
		return de.Status, msg
	}
	var ae *auth.AuthenticationError
	if errors.As(err, &ae) {
		return ae.StatusCode(), ae.Error()
	}
	d.log.ErrorContext(ctx, "handler.fail", slog.String("err_type", fmt.Sprintf("%T", err)), slog.String("err", err.Error()))
	return http.StatusInternalServerError, http.StatusText(http.StatusInternalServerError)
}

func principalKind(p auth.Principal) string {
	switch v := p.(type) {
	case *auth.ServiceOrUserPrincipal:
		return string(v.Kind)
	case auth.Anonymous:
		return "ANONYMOUS"
	case auth.UsernamePrincipal:
		return "USERNAME"
	case auth.NamedPrincipal:
		return "NAMED"
	}
	return fmt.Sprintf("%T", p)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
