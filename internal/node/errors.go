package node

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Kind classifies why an action did not succeed.
type Kind string

// Error kinds surfaced to the boundary layer.
const (
	KindConnection     Kind = "connection"
	KindMalformedInput Kind = "malformed_input"
	KindDeviceFailure  Kind = "device_failure"
	KindUnknownAction  Kind = "unknown_action"
	KindBusyTimeout    Kind = "busy_timeout"
)

// Error is a classified node error. Msg is the human-readable text returned
// to the workflow engine; Err, when set, is the underlying cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// NewError builds a classified error.
func NewError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

func (e *Error) Error() string {
	switch {
	case e.Msg == "" && e.Err != nil:
		return e.Err.Error()
	case e.Err != nil:
		return e.Msg + ": " + e.Err.Error()
	default:
		return e.Msg
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of the first classified error in err's chain.
// Unclassified errors are device failures unless they look like the device
// is unreachable.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var nerr *Error
	if errors.As(err, &nerr) {
		return nerr.Kind
	}
	if IsUnreachable(err) {
		return KindConnection
	}
	return KindDeviceFailure
}

// IsUnreachable reports whether err indicates the device host could not be
// reached over the network.
func IsUnreachable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, syscall.EHOSTUNREACH) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() && !errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "no route to host")
}
