package dispatch

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrBadRequest = errors.New("bad request")
	ErrNotFound   = errors.New("not found")
	ErrInternal   = errors.New("internal error")
)

// Error is an error with an HTTP status. Handlers return it to choose the
// response status; Message is written to the caller and Err is only logged.
type Error struct {
	Status  int
	Message string
	Err     error
}

// BadRequest returns a 400 error.
func BadRequest(format string, args ...any) *Error {
	return &Error{Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// NotFound returns a 404 error.
func NotFound(format string, args ...any) *Error {
	return &Error{Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal returns a 500 error wrapping err. The caller sees a generic message.
func Internal(err error) *Error {
	return &Error{Status: http.StatusInternalServerError, Message: http.StatusText(http.StatusInternalServerError), Err: err}
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.Status == http.StatusBadRequest
	case ErrNotFound:
		return e.Status == http.StatusNotFound
	case ErrInternal:
		return e.Status >= http.StatusInternalServerError
	}
	return false
}

// Wrap attaches an internal cause to e and returns it.
func (e *Error) Wrap(err error) *Error {
	e.Err = err
	return e
}
