// Package fetcherr defines the closed set of error kinds produced by the
// fetch subsystem. The rate limiter's retry and backoff decisions are a
// switch over these kinds instead of duck-typed property probing.
package fetcherr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
)

// Kind classifies a fetch failure.
type Kind int

// Error kinds, in rough order of discovery pipeline position.
const (
	KindUnknown Kind = iota
	KindInvalidURL
	KindPolicyBlocked
	KindCircuitOpen
	KindTimeout
	KindConnection
	KindHTTPStatus
	KindRateLimited
	KindNoContent
	KindExtraction
)

// String returns a stable name for the kind, used in logs and metrics labels.
func (k Kind) String() string {
	switch k {
	case KindInvalidURL:
		return "invalid_url"
	case KindPolicyBlocked:
		return "policy_blocked"
	case KindCircuitOpen:
		return "circuit_open"
	case KindTimeout:
		return "timeout"
	case KindConnection:
		return "connection"
	case KindHTTPStatus:
		return "http_status"
	case KindRateLimited:
		return "rate_limited"
	case KindNoContent:
		return "no_content"
	case KindExtraction:
		return "extraction"
	default:
		return "unknown"
	}
}

// Error carries a kind, the operation that failed, and an optional HTTP status.
type Error struct {
	Kind   Kind
	Op     string
	URL    string
	Status int
	Err    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Status != 0 {
		msg = fmt.Sprintf("%s %d", msg, e.Status)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.URL != "" {
		msg += " (" + e.URL + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes the underlying cause for errors.Is/As.
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, op, url string, err error) *Error {
	return &Error{Kind: kind, Op: op, URL: url, Err: err}
}

// Status builds an Error for a non-2xx HTTP response.
func Status(statusCode int, op, url string) *Error {
	return &Error{Kind: KindHTTPStatus, Op: op, URL: url, Status: statusCode}
}

// KindOf extracts the kind from err, classifying foreign errors by shape.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return KindTimeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return KindConnection
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return KindConnection
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return KindConnection
	}
	return KindUnknown
}

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Status
	}
	return 0
}

// Retryable reports whether the failure is worth another attempt:
// DNS/connection errors, timeouts, and HTTP 408/429/5xx.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindConnection, KindTimeout:
		return true
	case KindHTTPStatus:
		status := StatusOf(err)
		return status == http.StatusRequestTimeout ||
			status == http.StatusTooManyRequests ||
			status >= 500
	default:
		return false
	}
}

// EscalatesBackoff reports whether the failure should also grow the host's
// backoff window. Timeouts alone retry without escalating.
func EscalatesBackoff(err error) bool {
	switch KindOf(err) {
	case KindConnection:
		return true
	case KindHTTPStatus:
		status := StatusOf(err)
		return status == http.StatusTooManyRequests || status >= 500
	default:
		return false
	}
}
