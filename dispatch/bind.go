package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/dispatch-go/auth"
	"github.com/go-chi/chi/v5"
)

var (
	jsonMediaType = contenttype.NewMediaType("application/json")

	principalType = reflect.TypeFor[auth.Principal]()
	requestType   = reflect.TypeFor[*http.Request]()
	contextType   = reflect.TypeFor[context.Context]()
)

// bindInput is what a binder may read from.
type bindInput struct {
	ctx          context.Context
	w            http.ResponseWriter
	r            *http.Request
	principal    auth.Principal
	maxBodyBytes int64
}

// binder produces one parameter value. ok is false when an optional value
// is omitted.
type binder func(in *bindInput) (v any, ok bool, err error)

type boundParam struct {
	name string
	bind binder
}

// compilePlan fixes the binding of every parameter of a route. segments are
// the path segment names declared by the route pattern.
func compilePlan(params []ParamSpec, segments map[string]bool, receiver any) ([]boundParam, error) {
	plan := make([]boundParam, 0, len(params))
	seen := make(map[string]bool, len(params))
	bodyBound := false

	for _, p := range params {
		if p.name == "" {
			return nil, errors.New("parameter without a name")
		}
		if seen[p.name] {
			return nil, fmt.Errorf("duplicate parameter %q", p.name)
		}
		seen[p.name] = true

		b, err := compileParam(p, segments, receiver)
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %w", p.name, err)
		}
		if p.source == sourceBody {
			if bodyBound {
				return nil, fmt.Errorf("parameter %q: only one parameter may bind the request body", p.name)
			}
			bodyBound = true
		}
		plan = append(plan, boundParam{name: p.name, bind: b})
	}
	return plan, nil
}

func compileParam(p ParamSpec, segments map[string]bool, receiver any) (binder, error) {
	switch p.source {
	case sourcePath:
		conv, ok := scalarConverter(p.typ)
		if !ok {
			return nil, fmt.Errorf("type %s cannot be bound from a path segment", p.typ)
		}
		if !segments[p.from] {
			return nil, fmt.Errorf("route declares no path segment %q", p.from)
		}
		return pathBinder(p, conv), nil
	case sourceQuery:
		conv, ok := scalarConverter(p.typ)
		if !ok {
			return nil, fmt.Errorf("type %s cannot be bound from a query parameter", p.typ)
		}
		return queryBinder(p, conv), nil
	case sourceBody:
		return bodyBinder(p), nil
	}

	if receiver != nil && reflect.TypeOf(receiver).AssignableTo(p.typ) {
		return func(*bindInput) (any, bool, error) { return receiver, true, nil }, nil
	}
	switch p.typ {
	case principalType:
		return func(in *bindInput) (any, bool, error) { return in.principal, true, nil }, nil
	case requestType:
		return func(in *bindInput) (any, bool, error) { return in.r, true, nil }, nil
	case contextType:
		return func(in *bindInput) (any, bool, error) { return in.ctx, true, nil }, nil
	}

	conv, ok := scalarConverter(p.typ)
	if !ok {
		return nil, fmt.Errorf("type %s has no implicit binding", p.typ)
	}
	if segments[p.from] {
		return pathBinder(p, conv), nil
	}
	return queryBinder(p, conv), nil
}

func pathBinder(p ParamSpec, conv converter) binder {
	return func(in *bindInput) (any, bool, error) {
		raw := chi.URLParam(in.r, p.from)
		v, err := conv(raw)
		if err != nil {
			return nil, false, convertError("path", p.from, p.typ, raw).Wrap(err)
		}
		return v.Interface(), true, nil
	}
}

func queryBinder(p ParamSpec, conv converter) binder {
	return func(in *bindInput) (any, bool, error) {
		q := in.r.URL.Query()
		if !q.Has(p.from) {
			if p.optional {
				return nil, false, nil
			}
			return nil, false, BadRequest("missing required parameter %q", p.from)
		}
		raw := q.Get(p.from)
		v, err := conv(raw)
		if err != nil {
			return nil, false, convertError("query", p.from, p.typ, raw).Wrap(err)
		}
		return v.Interface(), true, nil
	}
}

func bodyBinder(p ParamSpec) binder {
	return func(in *bindInput) (any, bool, error) {
		r := in.r
		if strings.TrimSpace(r.Header.Get("Content-Type")) != "" {
			mt, err := contenttype.GetMediaType(r)
			if err != nil || !mt.Matches(jsonMediaType) {
				return nil, false, BadRequest("content-type must be application/json")
			}
		}

		var body io.Reader = http.NoBody
		if r.Body != nil {
			body = r.Body
			if in.maxBodyBytes > 0 {
				body = http.MaxBytesReader(in.w, r.Body, in.maxBodyBytes)
			}
		}

		dst := reflect.New(p.typ)
		if err := json.NewDecoder(body).Decode(dst.Interface()); err != nil {
			var tooLarge *http.MaxBytesError
			switch {
			case errors.Is(err, io.EOF):
				if p.optional {
					return nil, false, nil
				}
				return nil, false, BadRequest("request body is required")
			case errors.As(err, &tooLarge):
				return nil, false, BadRequest("request body exceeds %d bytes", tooLarge.Limit)
			default:
				return nil, false, BadRequest("invalid JSON body").Wrap(err)
			}
		}
		return dst.Elem().Interface(), true, nil
	}
}

// parsePattern converts :name segments to chi's {name} form and returns the
// declared segment names.
func parsePattern(path string) (string, map[string]bool, error) {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	parts := strings.Split(path, "/")
	segments := make(map[string]bool)
	for i, part := range parts {
		var name string
		switch {
		case strings.HasPrefix(part, ":"):
			name = part[1:]
			parts[i] = "{" + name + "}"
		case strings.HasPrefix(part, "{") && strings.HasSuffix(part, "}"):
			name, _, _ = strings.Cut(part[1:len(part)-1], ":")
		default:
			continue
		}
		if name == "" {
			return "", nil, fmt.Errorf("empty path segment name in %q", path)
		}
		if segments[name] {
			return "", nil, fmt.Errorf("duplicate path segment %q in %q", name, path)
		}
		segments[name] = true
	}
	return strings.Join(parts, "/"), segments, nil
}

func joinPath(prefix, path string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if path == "" || path == "/" {
		if prefix == "" {
			return "/"
		}
		return prefix
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return prefix + path
}
