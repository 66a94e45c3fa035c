package shopline

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures at the provider boundary so callers can branch on
// kind instead of matching message text.
type ErrorKind int

const (
	// KindUnknown is the zero value for uncategorised failures.
	KindUnknown ErrorKind = iota
	// KindParse marks a malformed or incomplete upstream payload. Terminal for the
	// affected normalization, never retried automatically.
	KindParse
	// KindVerification marks a stale timestamp or signature mismatch on an inbound
	// webhook. Terminal for that delivery; redelivery is the provider's policy.
	KindVerification
	// KindOrderResolution marks a webhook that matched no local order.
	KindOrderResolution
	// KindTransport marks a network or API-level failure talking to the provider.
	// Transient; retried only by the next scheduled poll.
	KindTransport
	// KindHandler marks an unexpected failure inside event-specific processing.
	KindHandler
)

// String returns the kind's wire-stable name.
func (k ErrorKind) String() string {
	switch k {
	case KindParse:
		return "parse"
	case KindVerification:
		return "verification"
	case KindOrderResolution:
		return "order_resolution"
	case KindTransport:
		return "transport"
	case KindHandler:
		return "handler"
	default:
		return "unknown"
	}
}

// Error is the typed failure returned across the shopline package boundary.
type Error struct {
	Kind    ErrorKind
	Op      string
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Op != "" {
		return fmt.Sprintf("shopline: %s: %s", e.Op, msg)
	}
	return "shopline: " + msg
}

// Unwrap exposes the underlying cause.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewParseError reports a malformed upstream payload.
func NewParseError(op, message string) *Error {
	return &Error{Kind: KindParse, Op: op, Message: message}
}

// NewVerificationError reports a failed webhook signature check.
func NewVerificationError(op, message string) *Error {
	return &Error{Kind: KindVerification, Op: op, Message: message}
}

// NewResolutionError reports that no local order matched the notification.
func NewResolutionError(op, message string) *Error {
	return &Error{Kind: KindOrderResolution, Op: op, Message: message}
}

// NewTransportError wraps a network or provider API failure.
func NewTransportError(op string, err error) *Error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// NewHandlerError wraps an unexpected processing failure.
func NewHandlerError(op string, err error) *Error {
	return &Error{Kind: KindHandler, Op: op, Err: err}
}

// KindOf extracts the error kind, returning KindUnknown for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) && e != nil {
		return e.Kind
	}
	return KindUnknown
}

// IsKind reports whether the error carries the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
