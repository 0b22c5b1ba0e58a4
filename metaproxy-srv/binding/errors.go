package binding

import (
	"errors"
	"fmt"
)

var (
	// ErrPortInUse is returned by Create when the port already has a binding.
	ErrPortInUse = errors.New("port already bound")
	// ErrNotFound is returned by Update, Delete and Get for unknown ports.
	ErrNotFound = errors.New("binding not found")
	// ErrInvalidPort is returned for ports outside 1-65535.
	ErrInvalidPort = errors.New("port out of range")
	// ErrClosed is returned by Create after Close.
	ErrClosed = errors.New("registry closed")
)

// BindFailedError reports that the local socket could not be bound.
type BindFailedError struct {
	Port int
	Err  error
}

func (e *BindFailedError) Error() string {
	return fmt.Sprintf("bind port %d: %v", e.Port, e.Err)
}

func (e *BindFailedError) Unwrap() error {
	return e.Err
}

// InvalidUpstreamError reports an upstream URL that cannot be used. Error
// masks the password in Upstream.
type InvalidUpstreamError struct {
	Upstream string
	Err      error
}

func (e *InvalidUpstreamError) Error() string {
	return fmt.Sprintf("invalid upstream %q: %v", redactRaw(e.Upstream), e.Err)
}

func (e *InvalidUpstreamError) Unwrap() error {
	return e.Err
}

// IsBindFailed reports whether err is or wraps a BindFailedError.
func IsBindFailed(err error) bool {
	var target *BindFailedError
	return errors.As(err, &target)
}

// IsInvalidUpstream reports whether err is or wraps an InvalidUpstreamError.
func IsInvalidUpstream(err error) bool {
	var target *InvalidUpstreamError
	return errors.As(err, &target)
}
