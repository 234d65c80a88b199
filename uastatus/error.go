package uastatus

import "fmt"

// Error wraps a StatusCode with a human-readable message and,
// optionally, an underlying cause. Every exported function in this
// module that can fail in a way the OPC-UA wire protocol can name
// returns one of these rather than an opaque error, so a caller can
// always recover the status code to put on the wire.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// New constructs an Error with no underlying cause.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap constructs an Error that carries cause for %w-style unwrapping.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// CodeOf extracts the StatusCode from err if it is (or wraps) a
// *Error, otherwise returns fallback.
func CodeOf(err error, fallback Code) Code {
	var se *Error
	if ok := asStatusError(err, &se); ok {
		return se.Code
	}
	return fallback
}

func asStatusError(err error, target **Error) bool {
	for err != nil {
		if se, ok := err.(*Error); ok {
			*target = se
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}
