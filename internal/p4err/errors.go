// Package p4err holds the error vocabulary shared across the p4jit
// toolchain and runtime so every layer raises and matches the same
// kinds instead of inventing ad-hoc strings.
package p4err

import (
	"errors"
	"fmt"
)

// Kind identifies one of the error kinds enumerated in the design's
// error-handling section. An error's Kind is matched with errors.Is
// against an *Error of that Kind (see Error.Is), or read with KindOf.
type Kind int

const (
	KindUnknown Kind = iota
	KindTimeout
	KindDisconnected
	KindBadMagic
	KindCommandMismatch
	KindChecksumMismatch
	KindDeviceError
	KindIncompatibleProtocol
	KindOutOfDeviceMemory
	KindUnknownAllocation
	KindBoundsViolation
	KindFunctionReleased
	KindSignatureNotFound
	KindSignatureUnparseable
	KindSignatureTooWide
	KindBuildInvariant
	KindTypeMismatch
	KindArityMismatch
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "Timeout"
	case KindDisconnected:
		return "Disconnected"
	case KindBadMagic:
		return "BadMagic"
	case KindCommandMismatch:
		return "CommandMismatch"
	case KindChecksumMismatch:
		return "ChecksumMismatch"
	case KindDeviceError:
		return "DeviceError"
	case KindIncompatibleProtocol:
		return "IncompatibleProtocol"
	case KindOutOfDeviceMemory:
		return "OutOfDeviceMemory"
	case KindUnknownAllocation:
		return "UnknownAllocation"
	case KindBoundsViolation:
		return "BoundsViolation"
	case KindFunctionReleased:
		return "FunctionReleased"
	case KindSignatureNotFound:
		return "SignatureNotFound"
	case KindSignatureUnparseable:
		return "SignatureUnparseable"
	case KindSignatureTooWide:
		return "SignatureTooWide"
	case KindBuildInvariant:
		return "BuildInvariant"
	case KindTypeMismatch:
		return "TypeMismatch"
	case KindArityMismatch:
		return "ArityMismatch"
	default:
		return "Unknown"
	}
}

// Error is a struct-based error carrying a Kind, the operation that
// raised it, and an optional wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	// Code carries CMD_ALLOC-style device error codes for KindDeviceError.
	Code int32
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		if e.Code != 0 {
			return fmt.Sprintf("%s: %s (code=0x%x): %v", e.Op, e.Kind, e.Code, e.Err)
		}
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s: %s (code=0x%x)", e.Op, e.Kind, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is an *Error with the same Kind, so callers
// can write errors.Is(err, p4err.New(p4err.KindBoundsViolation, ""))
// style checks; KindOf below is the shorter form.
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == other.Kind
}

// New constructs an *Error of the given kind for the given operation.
func New(kind Kind, op string) *Error {
	return &Error{Kind: kind, Op: op}
}

// Wrap constructs an *Error of the given kind, wrapping cause.
func Wrap(kind Kind, op string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Err: cause}
}

// WrapDevice constructs a KindDeviceError carrying the device's reported
// error code.
func WrapDevice(op string, code int32) *Error {
	return &Error{Kind: KindDeviceError, Op: op, Code: code}
}

// KindOf reports the Kind of err, or KindUnknown if err is not (or does
// not wrap) a *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}
