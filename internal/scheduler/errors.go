package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrInvalidArgument = errors.New("invalid argument")
	ErrCycle           = errors.New("dependency cycle")
	ErrNotFound        = errors.New("not found")
	ErrNotImplemented  = errors.New("not implemented")

	// ErrCapacity is reported (wrapped in an invalid argument error) when a
	// node tries to become busy while the concurrency counter is exhausted.
	ErrCapacity = errors.New("concurrency limit reached")
)

// Error is the error type returned by the scheduler core.
type Error struct {
	Kind error
	Msg  string
	// Err is an optional underlying cause.
	Err error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err != nil {
		return []error{e.Kind, e.Err}
	}
	return []error{e.Kind}
}

func invalidf(format string, args ...any) error {
	return &Error{Kind: ErrInvalidArgument, Msg: fmt.Sprintf(format, args...)}
}

func notFoundf(format string, args ...any) error {
	return &Error{Kind: ErrNotFound, Msg: fmt.Sprintf(format, args...)}
}

func capacityError(node string, c *Counter) error {
	return &Error{
		Kind: ErrInvalidArgument,
		Msg:  fmt.Sprintf("node %q cannot become busy: %d/%d slots in use", node, c.Current(), c.Maximum()),
		Err:  ErrCapacity,
	}
}

func cycleError(path []TaskID) error {
	parts := make([]string, len(path))
	for i, id := range path {
		parts[i] = id.String()
	}
	return &Error{Kind: ErrCycle, Msg: strings.Join(parts, " -> ")}
}

// NotImplemented returns the error execution hooks report when no concrete
// implementation was supplied.
func NotImplemented(hook string) error {
	return &Error{Kind: ErrNotImplemented, Msg: hook}
}
