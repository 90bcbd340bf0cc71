package cachecore

import (
	"errors"
	"fmt"
	"strings"
	"syscall"
)

// Error is the structured error type every subsystem returns instead of
// unwinding, per spec §7 "Propagation": the data path prefers error
// status values over panics, which are reserved for invariant
// violations.
type Error struct {
	Op        string    // operation that failed (e.g. "vsm.Alloc", "director.Resolve")
	Component Component // subsystem that produced the error
	Code      Code      // high-level error category
	Errno     syscall.Errno
	Msg       string
	Inner     error
}

// Component names the subsystem an Error originated in.
type Component string

const (
	ComponentVSM      Component = "vsm"
	ComponentVSL      Component = "vsl"
	ComponentExpiry   Component = "expiry"
	ComponentWaiter   Component = "waiter"
	ComponentPool     Component = "tcppool"
	ComponentDirector Component = "director"
	ComponentCLI      Component = "cliproto"
)

// Code is a high-level error category, extended per spec §7's error
// kinds (transient, client-caused, resource exhaustion, fatal) with one
// code per named failure mode across the five subsystems.
type Code string

const (
	CodeArenaExhausted    Code = "arena exhausted"
	CodeHeapCorruption    Code = "heap corruption"
	CodeWaiterTimeout     Code = "waiter timeout"
	CodePoolExhausted     Code = "pool exhausted"
	CodeDirectorResolve   Code = "director resolution failed"
	CodeInvalidParameters Code = "invalid parameters"
	CodeNotFound          Code = "not found"
	CodeBusy              Code = "busy"
	CodeKernelUnsupported Code = "kernel does not support required facility"
	CodePermissionDenied  Code = "permission denied"
	CodeInsufficientMem   Code = "insufficient memory"
	CodeIOError           Code = "I/O error"
	CodeTimeout           Code = "timeout"
)

// Error implements the error interface.
func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.Component != "" {
		parts = append(parts, fmt.Sprintf("component=%s", e.Component))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("cachecore: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("cachecore: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is supports errors.Is comparison by Code.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// NewError creates a structured error.
func NewError(op string, component Component, code Code, msg string) *Error {
	return &Error{Op: op, Component: component, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a structured error carrying a kernel errno.
func NewErrorWithErrno(op string, component Component, code Code, errno syscall.Errno) *Error {
	return &Error{Op: op, Component: component, Code: code, Errno: errno, Msg: errno.Error()}
}

// WrapError wraps an existing error with cachecore context, mapping
// syscall.Errno values to an appropriate Code.
func WrapError(op string, component Component, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ce, ok := inner.(*Error); ok {
		return &Error{
			Op:        op,
			Component: component,
			Code:      ce.Code,
			Errno:     ce.Errno,
			Msg:       ce.Msg,
			Inner:     ce.Inner,
		}
	}

	if errno, ok := inner.(syscall.Errno); ok {
		return &Error{
			Op:        op,
			Component: component,
			Code:      mapErrnoToCode(errno),
			Errno:     errno,
			Msg:       errno.Error(),
			Inner:     inner,
		}
	}

	return &Error{Op: op, Component: component, Code: CodeIOError, Msg: inner.Error(), Inner: inner}
}

func mapErrnoToCode(errno syscall.Errno) Code {
	switch errno {
	case syscall.ENOENT:
		return CodeNotFound
	case syscall.EBUSY:
		return CodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return CodeInvalidParameters
	case syscall.ENOSYS, syscall.EOPNOTSUPP:
		return CodeKernelUnsupported
	case syscall.EPERM, syscall.EACCES:
		return CodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return CodeInsufficientMem
	case syscall.ETIMEDOUT:
		return CodeTimeout
	default:
		return CodeIOError
	}
}

// IsCode reports whether err is a *Error with the given Code.
func IsCode(err error, code Code) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsErrno reports whether err is a *Error carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Errno == errno
	}
	return false
}
