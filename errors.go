package unvme

import (
	"errors"
	"fmt"
	"syscall"
)

// Error is a structured unvme error carrying enough context to identify
// which namespace, queue and operation failed.
type Error struct {
	Op    string         // Operation that failed (e.g., "OPEN", "AWRITE", "APOLL")
	NSID  uint32         // Namespace id (0 if not applicable)
	Queue int            // Queue id (-1 if not applicable)
	Code  UnvmeErrorCode // High-level error category
	Errno syscall.Errno  // Underlying errno (0 if not applicable)
	Msg   string         // Human-readable message
	Inner error          // Wrapped error
}

func (e *Error) Error() string {
	var parts []string

	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.NSID != 0 {
		parts = append(parts, fmt.Sprintf("nsid=%d", e.NSID))
	}
	if e.Queue >= 0 {
		parts = append(parts, fmt.Sprintf("queue=%d", e.Queue))
	}
	if e.Errno != 0 {
		parts = append(parts, fmt.Sprintf("errno=%d", e.Errno))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("unvme: %s (%s)", msg, parts[0])
	}
	return fmt.Sprintf("unvme: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support, including comparison against the legacy
// UnvmeError sentinel values.
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}
	if ue, ok := target.(UnvmeError); ok {
		return e.Code == UnvmeErrorCode(ue)
	}
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}
	return false
}

// UnvmeErrorCode represents the high-level error categories from the
// taxonomy: usage errors, device errors, timeouts and invariant
// violations.
type UnvmeErrorCode string

const (
	ErrCodeInvalidParameters  UnvmeErrorCode = "invalid parameters"
	ErrCodeUnregisteredBuffer UnvmeErrorCode = "buffer not registered"
	ErrCodeNamespaceNotFound  UnvmeErrorCode = "namespace not found"
	ErrCodeControllerBusy     UnvmeErrorCode = "controller busy"
	ErrCodeDeviceError        UnvmeErrorCode = "device reported error"
	ErrCodeTimeout            UnvmeErrorCode = "timeout"
	ErrCodeInvariantViolation UnvmeErrorCode = "invariant violation"
	ErrCodePermissionDenied   UnvmeErrorCode = "permission denied"
	ErrCodeInsufficientMemory UnvmeErrorCode = "insufficient memory"
	ErrCodeIOError            UnvmeErrorCode = "I/O error"
)

// UnvmeError is a legacy string-sentinel error kept for simple equality
// comparisons (errors.Is(err, ErrDeviceBusy) style) alongside the
// structured *Error type.
type UnvmeError string

func (e UnvmeError) Error() string {
	return string(e)
}

const (
	ErrInvalidParameters  UnvmeError = "invalid parameters"
	ErrUnregisteredBuffer UnvmeError = "buffer not registered"
	ErrNamespaceNotFound  UnvmeError = "namespace not found"
	ErrControllerBusy     UnvmeError = "controller busy"
	ErrTimeout            UnvmeError = "timeout"
)

// NewError creates a new structured error.
func NewError(op string, code UnvmeErrorCode, msg string) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Msg: msg}
}

// NewErrorWithErrno creates a new structured error carrying an errno.
func NewErrorWithErrno(op string, code UnvmeErrorCode, errno syscall.Errno) *Error {
	return &Error{Op: op, Queue: -1, Code: code, Errno: errno, Msg: errno.Error()}
}

// NewNamespaceError creates a new namespace-scoped error.
func NewNamespaceError(op string, nsid uint32, code UnvmeErrorCode, msg string) *Error {
	return &Error{Op: op, NSID: nsid, Queue: -1, Code: code, Msg: msg}
}

// NewQueueError creates a new queue-scoped error.
func NewQueueError(op string, nsid uint32, queue int, code UnvmeErrorCode, msg string) *Error {
	return &Error{Op: op, NSID: nsid, Queue: queue, Code: code, Msg: msg}
}

// WrapError wraps an existing error with unvme operation context,
// preserving any existing structured fields.
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	if ue, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			NSID:  ue.NSID,
			Queue: ue.Queue,
			Code:  ue.Code,
			Errno: ue.Errno,
			Msg:   ue.Msg,
			Inner: ue.Inner,
		}
	}

	var errno syscall.Errno
	if errors.As(inner, &errno) {
		return &Error{
			Op:    op,
			Queue: -1,
			Code:  mapErrnoToCode(errno),
			Errno: errno,
			Msg:   inner.Error(),
			Inner: inner,
		}
	}

	return &Error{Op: op, Queue: -1, Code: ErrCodeIOError, Msg: inner.Error(), Inner: inner}
}

// mapErrnoToCode maps a syscall errno to an unvme error category.
func mapErrnoToCode(errno syscall.Errno) UnvmeErrorCode {
	switch errno {
	case syscall.ENOENT, syscall.ENODEV:
		return ErrCodeNamespaceNotFound
	case syscall.EBUSY:
		return ErrCodeControllerBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidParameters
	case syscall.EPERM, syscall.EACCES:
		return ErrCodePermissionDenied
	case syscall.ENOMEM, syscall.ENOSPC:
		return ErrCodeInsufficientMemory
	case syscall.ETIMEDOUT:
		return ErrCodeTimeout
	default:
		return ErrCodeIOError
	}
}

// IsCode reports whether err is a structured *Error with the given code.
func IsCode(err error, code UnvmeErrorCode) bool {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Code == code
	}
	return false
}

// IsErrno reports whether err is a structured *Error carrying the given errno.
func IsErrno(err error, errno syscall.Errno) bool {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Errno == errno
	}
	return false
}
