package minihv

import (
	"errors"
	"fmt"
)

// Kind classifies the errors this hypervisor can return, per §7 of the
// design: startup failures the process cannot recover from, versus
// per-guest faults that only terminate that guest's run loop.
type Kind string

const (
	// ConfigInvalid is a bad CLI value: non-integer memory, a
	// non-existent guest image, a memory size that isn't a multiple of
	// 2 MiB.
	ConfigInvalid Kind = "ConfigInvalid"
	// HostUnavailable means /dev/kvm (or equivalent) could not be opened.
	HostUnavailable Kind = "HostUnavailable"
	// HostProtocol is any failure of a control-interface call made after
	// the host virtualization channel was successfully opened.
	HostProtocol Kind = "HostProtocol"
	// GuestTerminated marks a normal HALT/SHUTDOWN exit. Not an error
	// condition; used only to report the idea of "this guest is done"
	// through the same error-shaped channel the run loop already uses.
	GuestTerminated Kind = "GuestTerminated"
	// GuestFault is an INTERNAL_ERROR or unrecognized exit reason.
	GuestFault Kind = "GuestFault"
	// FileMissing is a host-side open failure surfaced to the guest as
	// fd = -1; it is never fatal to the hypervisor itself.
	FileMissing Kind = "FileMissing"
)

// Error wraps an underlying error with a Kind and the operation that
// produced it, so callers can branch on errors.As without parsing strings.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// IsStartupFailure reports whether kind can only arise before any guest is
// running (and therefore should abort the whole process), as opposed to
// GuestTerminated/GuestFault which are per-guest run-loop outcomes and
// FileMissing which is only ever surfaced to the guest.
func (k Kind) IsStartupFailure() bool {
	switch k {
	case GuestTerminated, GuestFault, FileMissing:
		return false
	default:
		return true
	}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and ok=false otherwise.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}
