// Package errs defines the closed set of error kinds used across the
// replication and consistency engine, together with the stable integer
// codes exposed on the command response envelope.
package errs

import (
	"errors"
	"fmt"
)

// Code is a stable integer error code, part of the wire-visible response
// envelope. Values must never be renumbered once shipped.
type Code int

const (
	// InvalidRequest marks a malformed or out-of-bounds request.
	InvalidRequest Code = 100
	// InvalidType marks an operation applied to a value of the wrong type,
	// e.g. INCR against a non-integer value.
	InvalidType Code = 101
	// NotFound marks a GET against a missing or tombstoned key.
	NotFound Code = 102
	// PayloadTooLarge marks a size-limit violation (key, value, event, or
	// command payload).
	PayloadTooLarge Code = 103
	// Timeout marks an operation that did not complete within its class
	// deadline.
	Timeout Code = 104
	// RateLimited marks a request rejected by a token-bucket limiter.
	RateLimited Code = 105
	// Internal marks an unexpected, non-user-facing failure.
	Internal Code = 106

	// ProtocolError, PeerUnreachable and IncompatibleVersion are internal to
	// the anti-entropy protocol; they are never placed on the command
	// response envelope (which only knows the codes above) but follow the
	// same Error/Code shape so callers can use the same errors.As idiom.
	ProtocolError       Code = 200
	PeerUnreachable     Code = 201
	IncompatibleVersion Code = 202
)

func (c Code) String() string {
	switch c {
	case InvalidRequest:
		return "InvalidRequest"
	case InvalidType:
		return "InvalidType"
	case NotFound:
		return "NotFound"
	case PayloadTooLarge:
		return "PayloadTooLarge"
	case Timeout:
		return "Timeout"
	case RateLimited:
		return "RateLimited"
	case Internal:
		return "Internal"
	case ProtocolError:
		return "ProtocolError"
	case PeerUnreachable:
		return "PeerUnreachable"
	case IncompatibleVersion:
		return "IncompatibleVersion"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is the concrete error type carried across component boundaries.
// It never carries a stack trace and its Message is safe to surface to a
// remote caller verbatim.
type Error struct {
	Code    Code
	Message string
	// cause is kept for logging/wrapping but deliberately not part of the
	// message returned to external callers.
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap creates an Error with the given code and message, preserving cause
// for internal logging via errors.Unwrap.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, cause: cause}
}

// Is allows errors.Is(err, errs.New(errs.NotFound, "")) style checks
// against another *Error by comparing codes rather than identity.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// CodeOf extracts the Code from err, defaulting to Internal if err is not
// (or does not wrap) an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}
