// Package fault carries the error taxonomy shared by the provisioning
// engine, its stages, and the adapters they call.
package fault

import (
	"errors"
	"fmt"
)

// Class partitions failures by the subsystem that produced them.
type Class string

const (
	// Workflow is the base class: any engine-level failure that halts a workflow.
	Workflow Class = "workflow"
	// Commissioning covers fleet-controller commissioning failures and timeouts.
	Commissioning Class = "commissioning"
	// BIOSConfiguration covers pull/modify/push/verify failures.
	BIOSConfiguration Class = "bios-configuration"
	// IPMIConfiguration covers BMC configuration and verification failures.
	IPMIConfiguration Class = "ipmi-configuration"
	// SSHConnection covers failures to establish or use an in-band session.
	SSHConnection Class = "ssh-connection"
	// ConfigValidation covers catalog or request inconsistencies.
	ConfigValidation Class = "configuration-validation"
)

// Error is a classified failure. It wraps the underlying cause, if any.
type Error struct {
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports class equality so sentinel comparisons like
// errors.Is(err, &Error{Class: Commissioning}) work without message matching.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Class == e.Class && (t.Msg == "" || t.Msg == e.Msg)
}

// New builds a classified error without a cause.
func New(class Class, format string, args ...any) *Error {
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies an existing error. A nil cause returns nil.
func Wrap(class Class, err error, format string, args ...any) *Error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Msg: fmt.Sprintf(format, args...), Err: err}
}

// ClassOf walks the chain and returns the class of the outermost *Error.
// Unclassified errors report the Workflow base class.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return Workflow
}

// IsClass reports whether err carries the given class anywhere in its chain.
func IsClass(err error, class Class) bool {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return false
		}
		if fe.Class == class {
			return true
		}
		err = fe.Err
	}
	return false
}
