package camdrv

import (
	"errors"
	"fmt"

	"github.com/ehrlich-b/go-camdrv/internal/usb"
)

// ErrorCode categorizes driver failures.
type ErrorCode string

const (
	ErrCodeSequence     ErrorCode = "wrong api call sequence"
	ErrCodeNotFound     ErrorCode = "not found"
	ErrCodeTransport    ErrorCode = "transport error"
	ErrCodeFirmware     ErrorCode = "firmware update error"
	ErrCodeResource     ErrorCode = "resource exhausted"
	ErrCodeTimeout      ErrorCode = "timeout"
	ErrCodeDisconnected ErrorCode = "device disconnected"
	ErrCodeInvalidValue ErrorCode = "invalid value"
)

// Error is a structured driver error carrying the failed operation, a
// category, the transport status where one applies, and a stable message.
type Error struct {
	Op     string     // Operation that failed (e.g., "START", "RESOLVE")
	Code   ErrorCode  // High-level error category
	Status usb.Status // Transport status (StatusSuccess if not applicable)
	Msg    string     // Human-readable message
	Inner  error      // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Op != "" {
		return fmt.Sprintf("camdrv: %s (op=%s)", msg, e.Op)
	}
	return fmt.Sprintf("camdrv: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is matches errors by category
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// NewError creates a new structured error
func NewError(op string, code ErrorCode, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewStatusError creates an error from a transport status
func NewStatusError(op string, status usb.Status) *Error {
	code := ErrCodeTransport
	switch status {
	case usb.StatusTimeout:
		code = ErrCodeTimeout
	case usb.StatusNoDevice:
		code = ErrCodeDisconnected
	case usb.StatusNotFound:
		code = ErrCodeNotFound
	case usb.StatusNoMem:
		code = ErrCodeResource
	}
	return &Error{Op: op, Code: code, Status: status, Msg: status.String()}
}

// WrapError wraps an existing error with driver context
func WrapError(op string, code ErrorCode, inner error) *Error {
	if inner == nil {
		return nil
	}
	if ce, ok := inner.(*Error); ok {
		return &Error{Op: op, Code: ce.Code, Status: ce.Status, Msg: ce.Msg, Inner: ce.Inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code ErrorCode) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Code == code
	}
	return false
}

// IsStatus checks if an error carries a specific transport status
func IsStatus(err error, status usb.Status) bool {
	var ce *Error
	if errors.As(err, &ce) {
		return ce.Status == status
	}
	return false
}
