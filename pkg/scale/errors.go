package scale

import (
	"context"
	"errors"
	"fmt"
)

// Code denotes a closed set of error classes surfaced to callers
type Code string

const (
	CodeBluetoothDisabled Code = "BLUETOOTH_DISABLED"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeNotInitialized    Code = "NOT_INITIALIZED"
	CodeNotSupported      Code = "NOT_SUPPORTED"
	CodeCancelled         Code = "CANCELLED"
	CodeDeviceNotFound    Code = "DEVICE_NOT_FOUND"
	CodeConnectionFailed  Code = "CONNECTION_FAILED"
	CodeConnectionTimeout Code = "CONNECTION_TIMEOUT"
	CodeConnectionLost    Code = "CONNECTION_LOST"
	CodeAlreadyConnected  Code = "ALREADY_CONNECTED"
	CodeRequestSuperseded Code = "REQUEST_SUPERSEDED"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotImplemented    Code = "NOT_IMPLEMENTED"
	CodeUnknown           Code = "UNKNOWN"
)

// Error denotes an error carrying one of the taxonomy codes
type Error struct {
	Code    Code
	Message string
}

// Error fulfils the error interface
func (e *Error) Error() string {
	if e.Message == "" || e.Message == string(e.Code) {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is matches any *Error with the same code, allowing errors.Is against the
// sentinel values below regardless of the message
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels, one per code
var (
	ErrBluetoothDisabled = &Error{Code: CodeBluetoothDisabled, Message: "Bluetooth is not enabled"}
	ErrPermissionDenied  = &Error{Code: CodePermissionDenied, Message: "Required permissions not granted"}
	ErrNotInitialized    = &Error{Code: CodeNotInitialized, Message: "Scale not connected"}
	ErrNotSupported      = &Error{Code: CodeNotSupported, Message: "Direct connection by ID is not supported. Use showDevicePicker instead."}
	ErrCancelled         = &Error{Code: CodeCancelled, Message: "Request cancelled"}
	ErrDeviceNotFound    = &Error{Code: CodeDeviceNotFound}
	ErrConnectionFailed  = &Error{Code: CodeConnectionFailed}
	ErrConnectionTimeout = &Error{Code: CodeConnectionTimeout}
	ErrConnectionLost    = &Error{Code: CodeConnectionLost}
	ErrAlreadyConnected  = &Error{Code: CodeAlreadyConnected, Message: "A connection attempt is already in progress"}
	ErrRequestSuperseded = &Error{Code: CodeRequestSuperseded, Message: "Another request of this kind is pending"}
	ErrNotImplemented    = &Error{Code: CodeNotImplemented}
)

// NewError instantiates a new error with the given code and message
func NewError(code Code, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Message: fmt.Sprintf(format, args...),
	}
}

// Vendor (SDK) numeric error codes
const (
	vendorCancel                  = 100
	vendorNotAvailable            = 101
	vendorAlreadyConnected        = 102
	vendorConnectionUnknown       = 103
	vendorConnInvalidParameters   = 104
	vendorConnectionInvalidHandle = 105
	vendorConnectionTimeout       = 106
	vendorValidation              = 107
	vendorInvalidDevice           = 108
	vendorAccess                  = 109
)

// FromVendorCode maps a numeric SDK error code onto the taxonomy. Unmapped
// codes become CodeUnknown, keeping the original message
func FromVendorCode(code int, msg string) *Error {
	var c Code
	switch code {
	case vendorCancel:
		c = CodeCancelled
	case vendorNotAvailable:
		c = CodeBluetoothDisabled
	case vendorAlreadyConnected:
		c = CodeAlreadyConnected
	case vendorConnectionUnknown, vendorConnInvalidParameters, vendorConnectionInvalidHandle, vendorValidation:
		c = CodeConnectionFailed
	case vendorConnectionTimeout:
		c = CodeConnectionTimeout
	case vendorInvalidDevice:
		c = CodeDeviceNotFound
	case vendorAccess:
		c = CodePermissionDenied
	default:
		c = CodeUnknown
		if msg == "" {
			msg = fmt.Sprintf("unknown error code %d", code)
		}
	}

	if msg == "" {
		msg = string(c)
	}
	return &Error{Code: c, Message: msg}
}

// AsError converts an arbitrary error into the taxonomy. Errors that already
// carry a code are returned unchanged, everything else falls back to
// CodeUnknown with the original message preserved
func AsError(err error) *Error {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Code: CodeCancelled, Message: err.Error()}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Code: CodeConnectionTimeout, Message: err.Error()}
	}

	return &Error{Code: CodeUnknown, Message: err.Error()}
}

// CodeOf returns the taxonomy code of an error (CodeUnknown for foreign errors)
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	return AsError(err).Code
}
