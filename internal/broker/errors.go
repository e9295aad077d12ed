package broker

import (
	"errors"
	"fmt"
)

// Kind is the categorical failure class of a broker interaction. The exact
// broker error message is preserved as a string payload on Error.
type Kind string

const (
	KindNotAuthenticated Kind = "NOT_AUTHENTICATED"
	KindTokenExpired     Kind = "TOKEN_EXPIRED"
	KindRateLimit        Kind = "RATE_LIMIT"
	KindInvalidOrder     Kind = "INVALID_ORDER"
	KindConnection       Kind = "CONNECTION"
	KindTimeout          Kind = "TIMEOUT"
	KindBrokerRejected   Kind = "BROKER_REJECTED"
	KindExecutionError   Kind = "EXECUTION_ERROR"
)

// Error is the categorical broker error. Code is the broker's own error
// code (e.g. "RMS:MARGIN_SHORTFALL") when one was returned.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a broker error of the given kind.
func E(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Rejected builds a BROKER_REJECTED error carrying the broker's code.
func Rejected(code, message string) *Error {
	return &Error{Kind: KindBrokerRejected, Code: code, Message: message}
}

// KindOf extracts the error kind, or EXECUTION_ERROR for foreign errors.
func KindOf(err error) Kind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	return KindExecutionError
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// CodeOf extracts the broker error code, if any.
func CodeOf(err error) string {
	var be *Error
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}
