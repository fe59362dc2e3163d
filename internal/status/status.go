// Package status defines the kernel-wide error taxonomy every subsystem
// returns instead of ad-hoc errors, plus a structured wrapper carrying the
// failing operation and resource. Kept dependency-free so every internal
// package (frame, vmm, pool, waitq, thread, sched, channel, server) can
// import it without risking an import cycle back through the root package.
package status

import "fmt"

// Status enumerates the kernel's recoverable and terminal outcomes. It is
// itself an error so callers that don't need op/resource context can
// return a bare Status value.
type Status int

const (
	// Ok indicates success.
	Ok Status = iota
	// InvalidArgument indicates a caller bug: bad size, bad flag combination.
	InvalidArgument
	// ResourceExhausted indicates no memory or a full queue; caller may retry.
	ResourceExhausted
	// TemporaryOutage indicates a transient condition; caller may retry.
	TemporaryOutage
	// PermanentOutage indicates the resource is gone (thread dead, peer closed).
	PermanentOutage
	// AlreadyInProgress indicates the requested state already holds or is pending.
	AlreadyInProgress
	// NoSuchResource indicates a named lookup miss.
	NoSuchResource
	// WouldBlock indicates the no-wait variant of an operation that would have blocked.
	WouldBlock
	// Timeout indicates a timed wait elapsed before being satisfied.
	Timeout
	// Cancelled indicates the operation was cancelled by peer action.
	Cancelled
	// TooBig indicates a supplied buffer was insufficient; sizes are returned out-of-band.
	TooBig
	// ShouldRestart is an atomic-retry marker: the caller raced another actor and must redo the operation from its start.
	ShouldRestart
)

var names = [...]string{
	Ok:                "ok",
	InvalidArgument:   "invalid argument",
	ResourceExhausted: "resource exhausted",
	TemporaryOutage:   "temporary outage",
	PermanentOutage:   "permanent outage",
	AlreadyInProgress: "already in progress",
	NoSuchResource:    "no such resource",
	WouldBlock:        "would block",
	Timeout:           "timeout",
	Cancelled:         "cancelled",
	TooBig:            "too big",
	ShouldRestart:     "should restart",
}

// String implements fmt.Stringer.
func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(names) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return names[s]
}

// Error implements the error interface so a bare Status can be returned
// anywhere an error is expected. Ok is not an error condition: callers
// should check s != status.Ok before treating a Status as a failure, the
// same way the kernel's syscall table never surfaces Ok as an error.
func (s Status) Error() string {
	return s.String()
}

// Is lets errors.Is(err, status.Timeout) match both bare Status values and
// *Error values wrapping the same code.
func (s Status) Is(target error) bool {
	if ts, ok := target.(Status); ok {
		return s == ts
	}
	if e, ok := target.(*Error); ok {
		return e.Code == s
	}
	return false
}

// Error is a structured kernel error: the operation that failed, the
// resource it failed on (if any), the Status code, and an optional
// wrapped cause (e.g. a syscall errno from golang.org/x/sys/unix).
type Error struct {
	Op       string // operation that failed, e.g. "channel.send", "frame.allocate"
	Resource string // resource identifier, e.g. a channel endpoint id (empty if not applicable)
	Code     Status
	Msg      string
	Inner    error
}

// New creates a structured error.
func New(op string, code Status, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// Newf creates a structured error with a formatted message.
func Newf(op string, code Status, format string, args ...any) *Error {
	return &Error{Op: op, Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WithResource sets the resource field and returns the receiver for chaining.
func (e *Error) WithResource(resource string) *Error {
	e.Resource = resource
	return e
}

// Wrap wraps inner with kernel context, preserving inner's Status if it
// was already one of ours.
func Wrap(op string, code Status, inner error) *Error {
	if inner == nil {
		return nil
	}
	if e, ok := inner.(*Error); ok {
		return &Error{Op: op, Resource: e.Resource, Code: e.Code, Msg: e.Msg, Inner: e.Inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Code.String()
	}
	switch {
	case e.Op != "" && e.Resource != "":
		return fmt.Sprintf("%s: %s (op=%s resource=%s)", e.Code, msg, e.Op, e.Resource)
	case e.Op != "":
		return fmt.Sprintf("%s: %s (op=%s)", e.Code, msg, e.Op)
	default:
		return fmt.Sprintf("%s: %s", e.Code, msg)
	}
}

// Unwrap supports errors.Is/errors.As against the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is(err, status.SomeCode) against structured errors.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ts, ok := target.(Status); ok {
		return e.Code == ts
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// Is reports whether err carries the given Status, whether as a bare
// Status or as a structured *Error.
func Is(err error, code Status) bool {
	switch e := err.(type) {
	case nil:
		return false
	case Status:
		return e == code
	case *Error:
		return e.Code == code
	default:
		return false
	}
}
