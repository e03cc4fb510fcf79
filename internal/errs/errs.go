package errs

import (
	"errors"
	"fmt"
)

var (
	ErrValidation        = errors.New("validation failed")
	ErrNotFound          = errors.New("not found")
	ErrIllegalState      = errors.New("illegal state")
	ErrResourceExhausted = errors.New("resource exhausted")
	ErrUpstream          = errors.New("upstream failure")
	ErrTimeout           = errors.New("timeout")
)

// Error attaches one of the sentinel kinds to a message.
type Error struct {
	Kind error
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func Validation(format string, args ...any) error {
	return &Error{Kind: ErrValidation, Msg: fmt.Sprintf(format, args...)}
}

func NotFound(target string) error {
	return &Error{Kind: ErrNotFound, Msg: target + " not found"}
}

func IllegalState(format string, args ...any) error {
	return &Error{Kind: ErrIllegalState, Msg: fmt.Sprintf(format, args...)}
}

func Exhausted(format string, args ...any) error {
	return &Error{Kind: ErrResourceExhausted, Msg: fmt.Sprintf(format, args...)}
}

func Upstream(msg string, err error) error {
	return &Error{Kind: ErrUpstream, Msg: msg, Err: err}
}

func Timeout(format string, args ...any) error {
	return &Error{Kind: ErrTimeout, Msg: fmt.Sprintf(format, args...)}
}

// Code returns the short machine-readable name of err's kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrIllegalState):
		return "illegal_state"
	case errors.Is(err, ErrResourceExhausted):
		return "resource_exhausted"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
