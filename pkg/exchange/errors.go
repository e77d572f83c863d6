package exchange

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies adapter failures so callers can pick a recovery path.
type Kind string

const (
	// KindTransport covers DNS, TCP, TLS and read/write failures. Retried
	// with backoff inside the adapter.
	KindTransport Kind = "transport"
	// KindProtocol covers malformed or unexpected venue payloads.
	KindProtocol Kind = "protocol"
	// KindAuth covers invalid signatures and revoked keys. Fatal for the
	// adapter until configuration is reloaded.
	KindAuth Kind = "auth"
	// KindRateLimited is returned when the request window is exhausted or
	// the venue answered 429. RetryAfter carries the delay hint.
	KindRateLimited Kind = "rate_limited"
	// KindBusiness covers venue order rejections: insufficient balance,
	// below minimum size, tick violations. Not retried.
	KindBusiness Kind = "business"
	// KindDuplicateOrder is returned for a client order id that was already
	// submitted on this adapter.
	KindDuplicateOrder Kind = "duplicate_order"
	// KindTimeout is returned when a deadline expired.
	KindTimeout Kind = "timeout"
)

// Error is the typed failure every adapter operation returns.
type Error struct {
	Kind       Kind
	Venue      string
	Op         string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s: %s", e.Venue, e.Op, e.Kind, e.Message)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, venue, op, message string) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Message: message}
}

func wrapError(kind Kind, venue, op string, err error) *Error {
	return &Error{Kind: kind, Venue: venue, Op: op, Message: kind.describe(), Err: err}
}

func (k Kind) describe() string {
	switch k {
	case KindTransport:
		return "transport failure"
	case KindProtocol:
		return "protocol failure"
	case KindAuth:
		return "authentication failure"
	case KindRateLimited:
		return "rate limited"
	case KindBusiness:
		return "rejected by venue"
	case KindDuplicateOrder:
		return "duplicate client order id"
	case KindTimeout:
		return "deadline exceeded"
	}
	return string(k)
}

// KindOf extracts the failure kind, or empty for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsRateLimited(err error) bool    { return KindOf(err) == KindRateLimited }
func IsDuplicateOrder(err error) bool { return KindOf(err) == KindDuplicateOrder }
func IsBusiness(err error) bool       { return KindOf(err) == KindBusiness }
func IsAuth(err error) bool           { return KindOf(err) == KindAuth }

// RetryAfterOf returns the delay hint of a rate-limit failure, zero otherwise.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
