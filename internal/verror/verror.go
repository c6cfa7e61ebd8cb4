// Package verror defines the error taxonomy shared by the device-emulation
// core: every failure returned across a component boundary is classified
// into one of a small set of kinds so callers can decide, without string
// matching, whether to reject a config load, reset a queue, deactivate a
// device, or leave state untouched.
package verror

import (
	"errors"
	"fmt"
)

// Kind classifies a failure by the handling policy it requires.
type Kind int

const (
	// Config is rejected at load time and surfaced to the control plane.
	Config Kind = iota
	// GuestProtocol is a malformed descriptor or bad feature ack: the
	// queue is marked broken and DEVICE_NEEDS_RESET is set, but other
	// devices keep running.
	GuestProtocol
	// HostIO is a tap/VFIO/ioctl failure: logged, propagated to the
	// handler, and fatal variants (EBADF and friends) deactivate the
	// device.
	HostIO
	// Resource is an allocation failure (no free GSI, no mmap slot): the
	// triggering config write fails and previous state is left intact.
	Resource
	// Lifecycle is an illegal state transition: rejected at the caller.
	Lifecycle
)

func (k Kind) String() string {
	switch k {
	case Config:
		return "config"
	case GuestProtocol:
		return "guest-protocol"
	case HostIO:
		return "host-io"
	case Resource:
		return "resource"
	case Lifecycle:
		return "lifecycle"
	default:
		return "unknown"
	}
}

// Error wraps an underlying cause with a Kind and the component that raised
// it, so that errors.As(err, &verror.Error{}) lets a caller branch on Kind
// without parsing messages.
type Error struct {
	Kind    Kind
	Op      string
	Err     error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error wrapping err, tagged with kind and the
// operation name that failed.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err (or something it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind == kind
	}
	return false
}
