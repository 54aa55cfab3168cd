package dispatch

import (
	"encoding"
	"fmt"
	"reflect"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type converter func(string) (reflect.Value, error)

var (
	textUnmarshalerType = reflect.TypeFor[encoding.TextUnmarshaler]()
	durationType        = reflect.TypeFor[time.Duration]()
	uuidType            = reflect.TypeFor[uuid.UUID]()
)

// scalarConverter returns the string conversion for t, or false when values
// of t cannot come from a path segment or query parameter.
func scalarConverter(t reflect.Type) (converter, bool) {
	switch {
	case t == durationType:
		return func(s string) (reflect.Value, error) {
			d, err := time.ParseDuration(s)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(d), nil
		}, true
	case t == uuidType:
		return func(s string) (reflect.Value, error) {
			id, err := uuid.Parse(s)
			if err != nil {
				return reflect.Value{}, err
			}
			return reflect.ValueOf(id), nil
		}, true
	case reflect.PointerTo(t).Implements(textUnmarshalerType):
		return func(s string) (reflect.Value, error) {
			v := reflect.New(t)
			if err := v.Interface().(encoding.TextUnmarshaler).UnmarshalText([]byte(s)); err != nil {
				return reflect.Value{}, err
			}
			return v.Elem(), nil
		}, true
	}

	switch t.Kind() {
	case reflect.String:
		return func(s string) (reflect.Value, error) {
			v := reflect.New(t).Elem()
			v.SetString(s)
			return v, nil
		}, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return func(s string) (reflect.Value, error) {
			n, err := strconv.ParseInt(s, 10, t.Bits())
			if err != nil {
				return reflect.Value{}, err
			}
			v := reflect.New(t).Elem()
			v.SetInt(n)
			return v, nil
		}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return func(s string) (reflect.Value, error) {
			n, err := strconv.ParseUint(s, 10, t.Bits())
			if err != nil {
				return reflect.Value{}, err
			}
			v := reflect.New(t).Elem()
			v.SetUint(n)
			return v, nil
		}, true
	case reflect.Float32, reflect.Float64:
		return func(s string) (reflect.Value, error) {
			f, err := strconv.ParseFloat(s, t.Bits())
			if err != nil {
				return reflect.Value{}, err
			}
			v := reflect.New(t).Elem()
			v.SetFloat(f)
			return v, nil
		}, true
	case reflect.Bool:
		return func(s string) (reflect.Value, error) {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return reflect.Value{}, err
			}
			v := reflect.New(t).Elem()
			v.SetBool(b)
			return v, nil
		}, true
	}
	return nil, false
}

func convertError(kind, name string, t reflect.Type, raw string) *Error {
	return BadRequest("%s parameter %q: cannot convert %q to %s", kind, name, raw, typeLabel(t))
}

func typeLabel(t reflect.Type) string {
	if t == uuidType {
		return "uuid"
	}
	if t == durationType {
		return "duration"
	}
	return fmt.Sprint(t)
}
