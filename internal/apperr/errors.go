package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the client-facing failure category every pipeline error maps to.
type Kind string

const (
	InvalidInput        Kind = "invalid_input"
	VerificationFailed  Kind = "verification_failed"
	ContentRejected     Kind = "content_rejected"
	QuotaExceeded       Kind = "quota_exceeded"
	UpstreamUnavailable Kind = "upstream_unavailable"
	UpstreamMalformed   Kind = "upstream_malformed"
)

// Common machine-readable reasons.
const (
	ReasonMissingToken       = "missing_token"
	ReasonLowScore           = "low_score"
	ReasonUnsafeContent      = "unsafe_content"
	ReasonQuota              = "quota_exceeded"
	ReasonTimeout            = "timeout"
	ReasonCircuitOpen        = "circuit_open"
	ReasonNoStructuredOutput = "no_structured_output"
	ReasonInvalidField       = "invalid_field"
	ReasonEmptyResponse      = "empty_response"
	ReasonNoSafeSearch       = "no_safe_search"
	ReasonInternal           = "internal"
)

// HTTPStatus returns the response status for the kind.
func (k Kind) HTTPStatus() int {
	switch k {
	case InvalidInput:
		return http.StatusBadRequest
	case VerificationFailed, ContentRejected:
		return http.StatusForbidden
	case QuotaExceeded:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// Error is a classified failure.
type Error struct {
	Kind    Kind
	Reason  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Reason != "" {
		b.WriteString("/")
		b.WriteString(e.Reason)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by kind and, when set on the target, reason.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Reason == "" || t.Reason == e.Reason
}

// New creates an Error without a cause.
func New(kind Kind, reason, msg string) *Error {
	return &Error{Kind: kind, Reason: reason, Message: msg}
}

// Wrap creates an Error around a cause.
func Wrap(kind Kind, reason string, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Message: fmt.Sprintf(format, args...), Err: err}
}

// Sentinels usable with errors.Is.
var (
	ErrInvalidInput        = &Error{Kind: InvalidInput}
	ErrVerificationFailed  = &Error{Kind: VerificationFailed}
	ErrContentRejected     = &Error{Kind: ContentRejected}
	ErrQuotaExceeded       = &Error{Kind: QuotaExceeded}
	ErrUpstreamUnavailable = &Error{Kind: UpstreamUnavailable}
	ErrUpstreamMalformed   = &Error{Kind: UpstreamMalformed}
)

// KindOf returns the kind of err, or "" if it is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// From converts any error into exactly one classified Error.
func From(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if isTimeout(err) {
		return Wrap(UpstreamUnavailable, ReasonTimeout, err, "upstream call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(UpstreamUnavailable, "cancelled", err, "request cancelled")
	}
	return Wrap(UpstreamUnavailable, ReasonInternal, err, "upstream failure")
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "deadline exceeded") || strings.Contains(msg, "timeout")
}
