// Package errs defines the operational error codes the members manager
// surfaces on the wire. Invariant violations are not modeled here: callers
// panic directly, since a corrupted process must die rather than limp on
// with a recoverable-looking error.
package errs

import "errors"

// Code is a typed operational error code.
type Code int

const (
	Success Code = iota
	InvalidRequest
	InvalidNodeOperation
	InvalidConfigurationUpdate
	NoLeaderController
	SeedServersExhausted
	JoinRequestDispatchError
)

func (c Code) String() string {
	switch c {
	case Success:
		return "success"
	case InvalidRequest:
		return "invalid_request"
	case InvalidNodeOperation:
		return "invalid_node_operation"
	case InvalidConfigurationUpdate:
		return "invalid_configuration_update"
	case NoLeaderController:
		return "no_leader_controller"
	case SeedServersExhausted:
		return "seed_servers_exhausted"
	case JoinRequestDispatchError:
		return "join_request_dispatch_error"
	default:
		return "unknown_error"
	}
}

// Error wraps a Code as a Go error, optionally carrying an underlying cause.
type Error struct {
	Code  Code
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return e.Code.String() + ": " + e.Cause.Error()
	}
	return e.Code.String()
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error carrying code with no underlying cause.
func New(code Code) *Error { return &Error{Code: code} }

// Wrap builds an *Error carrying code and an underlying cause.
func Wrap(code Code, cause error) *Error { return &Error{Code: code, Cause: cause} }

// CodeOf extracts the Code from err if it is (or wraps) an *Error. A nil
// err yields (Success, true); any other error yields ok=false.
func CodeOf(err error) (Code, bool) {
	if err == nil {
		return Success, true
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return 0, false
}

// ErrCancelled is the distinguished cancellation error returned by the
// update queue and the join loop's abortable sleep when the process-wide
// abort source fires. It is never treated as an operational error.
var ErrCancelled = &cancelledError{}

type cancelledError struct{}

func (*cancelledError) Error() string { return "cancelled" }
