package dispatch

import "reflect"

type paramSource int

const (
	sourceImplicit paramSource = iota
	sourcePath
	sourceQuery
	sourceBody
)

// ParamSpec declares one handler parameter. Build it with Param.
type ParamSpec struct {
	name     string
	typ      reflect.Type
	source   paramSource
	from     string
	optional bool
}

// Name returns the parameter name handlers read it by.
func (p ParamSpec) Name() string { return p.name }

// ParamOption configures a ParamSpec.
type ParamOption func(*ParamSpec)

// FromPath binds the parameter from a path segment. The segment defaults to
// the parameter name.
func FromPath(segment ...string) ParamOption {
	return func(p *ParamSpec) {
		p.source = sourcePath
		if len(segment) > 0 {
			p.from = segment[0]
		}
	}
}

// FromQuery binds the parameter from a query parameter. The query name
// defaults to the parameter name.
func FromQuery(name ...string) ParamOption {
	return func(p *ParamSpec) {
		p.source = sourceQuery
		if len(name) > 0 {
			p.from = name[0]
		}
	}
}

// FromBody binds the parameter by decoding the whole JSON request body.
func FromBody() ParamOption {
	return func(p *ParamSpec) { p.source = sourceBody }
}

// Optional lets a missing value be omitted instead of failing the request.
func Optional() ParamOption {
	return func(p *ParamSpec) { p.optional = true }
}

// Param declares a parameter of type T.
//
// Unless an explicit source is given, the binding is chosen at registration
// in this order: the group receiver if assignable to T, the principal if T is
// auth.Principal, the request if T is *http.Request, the context if T is
// context.Context, then the path segment of the same name if the route
// declares one, else the query parameter.
func Param[T any](name string, opts ...ParamOption) ParamSpec {
	p := ParamSpec{name: name, typ: reflect.TypeFor[T]()}
	for _, opt := range opts {
		opt(&p)
	}
	if p.from == "" {
		p.from = name
	}
	return p
}
