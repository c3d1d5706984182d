package domain

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrDuplicateID       = errors.New("duplicate document id")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrConcurrentRefund  = errors.New("transaction refund totals changed concurrently")
	ErrNoActivePackages  = errors.New("no active packages")
	ErrPackageNotFound   = errors.New("package not found")
	ErrPaymentIncomplete = errors.New("payment not completed")
	ErrAmountOutOfRange  = errors.New("amount out of range")
)

// Error is a caller-facing error with a machine-checkable kind.
type Error struct {
	Code    codes.Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind(), e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind(), e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Kind renders the code the way callers check it.
func (e *Error) Kind() string {
	return KindOf(e.Code)
}

// GRPCStatus lets status.FromError/status.Code understand domain errors.
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.Code, e.Message)
}

// KindOf maps a code to its kind string.
func KindOf(c codes.Code) string {
	switch c {
	case codes.Unauthenticated:
		return "unauthenticated"
	case codes.PermissionDenied:
		return "permission-denied"
	case codes.InvalidArgument:
		return "invalid-argument"
	case codes.NotFound:
		return "not-found"
	case codes.FailedPrecondition:
		return "failed-precondition"
	default:
		return "internal"
	}
}

func NewError(code codes.Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func Unauthenticated(msg string) *Error  { return &Error{Code: codes.Unauthenticated, Message: msg} }
func PermissionDenied(msg string) *Error { return &Error{Code: codes.PermissionDenied, Message: msg} }
func InvalidArgument(format string, args ...any) *Error {
	return NewError(codes.InvalidArgument, format, args...)
}
func NotFound(format string, args ...any) *Error {
	return NewError(codes.NotFound, format, args...)
}

// Internal wraps err; the message is what the caller sees.
func Internal(msg string, err error) *Error {
	return &Error{Code: codes.Internal, Message: msg, Err: err}
}

// ErrorCode classifies any error; unclassified errors are Internal.
func ErrorCode(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Code
	}
	if errors.Is(err, ErrNotFound) {
		return codes.NotFound
	}
	return codes.Internal
}

// ErrorMessage returns the caller-safe message for err.
func ErrorMessage(err error) string {
	var dErr *Error
	if errors.As(err, &dErr) {
		return dErr.Message
	}
	if errors.Is(err, ErrNotFound) {
		return "not found"
	}
	return "internal error"
}
