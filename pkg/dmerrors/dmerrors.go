// Package dmerrors implements the fatal/soft error taxonomy of the dmTCP
// diagnostic endpoint: every error raised by the NIC control plane, the
// receive and transmit engines, and the orchestrator carries one of these
// kinds so callers can apply a single, uniform propagation policy instead of
// inventing ad-hoc exit behavior per call site.
package dmerrors

import (
	"errors"
	"fmt"
)

// Kind names one of the error taxonomy entries. Every Kind other than
// TransientIO and ShellOutFailure is fatal: the orchestrator terminates the
// process after running scoped-resource teardown.
type Kind string

const (
	// ConfigurationError covers bad arguments, a missing interface, or
	// inconsistent queue parameters. Fatal before any I/O is attempted.
	ConfigurationError Kind = "ConfigurationError"

	// KernelUnsupported covers a bind response with no id field, or a
	// header-split value that disagrees with the read-back after set.
	KernelUnsupported Kind = "KernelUnsupported"

	// FlowSteeringLeak covers a fragment whose dmabuf_id does not match the
	// active binding, or a non-dmTCP message arriving on a dmTCP socket.
	FlowSteeringLeak Kind = "FlowSteeringLeak"

	// TransientIO covers EAGAIN/EWOULDBLOCK and other soft recvmsg errors.
	// This is the only kind eligible for local retry.
	TransientIO Kind = "TransientIO"

	// CompletionTimeout covers a TX wait_completion deadline expiring with
	// no zero-copy completion observed.
	CompletionTimeout Kind = "CompletionTimeout"

	// ValidationFailure covers a validator byte mismatch. Counted up to a
	// threshold, fatal beyond it.
	ValidationFailure Kind = "ValidationFailure"

	// ShellOutFailure covers a non-zero exit status from the external
	// ethtool utility invoked as a ShellOut collaborator. Ignored by policy.
	ShellOutFailure Kind = "ShellOutFailure"
)

// Fatal reports whether errors of this kind terminate the process per the
// §7 propagation policy. TransientIO and ShellOutFailure are the only
// non-fatal kinds.
func (k Kind) Fatal() bool {
	return k != TransientIO && k != ShellOutFailure
}

// Error wraps an underlying cause with a taxonomy Kind and an operator-facing
// message.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// New builds an Error of the given Kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an Error of the given Kind around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, and
// reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind, true
	}
	return "", false
}

// IsFatal reports whether err should terminate the process. A plain error
// with no attached Kind is treated as fatal, matching the §7 default.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if kind, ok := KindOf(err); ok {
		return kind.Fatal()
	}
	return true
}
