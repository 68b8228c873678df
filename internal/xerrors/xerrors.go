// Package xerrors defines the gateway's error taxonomy (spec.md §7): a
// closed set of kinds, an HTTP status mapping, and a composite aggregator
// for the multi-provider/multi-variant fallback paths.
package xerrors

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Kind is the closed taxonomy from spec.md §7.
type Kind string

const (
	KindInvalidRequest          Kind = "invalid_request"
	KindUnauthorized            Kind = "unauthorized"
	KindRateLimited             Kind = "rate_limited"
	KindInferenceClient         Kind = "inference_client"
	KindInferenceServer         Kind = "inference_server"
	KindAllVariantsFailed       Kind = "all_variants_failed"
	KindObservabilityWriteFailed Kind = "observability_write_failed"
	KindInternal                Kind = "internal"
)

// Error is the gateway's error type. It always carries a Kind so callers
// can map it to an HTTP status or a retry decision without parsing
// strings.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter string // optional hint, only meaningful for KindRateLimited
	cause      error
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, cause error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is makes errors.Is match any *Error target of the same Kind, e.g.
// errors.Is(err, xerrors.New(kind, "")) — see IsKind below for the
// common path.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// HTTPStatus maps a Kind to the status code spec.md §7 assigns it.
func (k Kind) HTTPStatus() int {
	switch k {
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindInferenceClient:
		return http.StatusBadGateway
	case KindInferenceServer:
		return http.StatusBadGateway
	case KindAllVariantsFailed:
		return http.StatusBadGateway
	case KindObservabilityWriteFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// HTTPStatus resolves the status for any error: *Error values use their
// Kind, anything else is treated as KindInternal.
func HTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind.HTTPStatus()
	}
	return http.StatusInternalServerError
}

// Attempt records one failed (variant, provider) attempt for a composite
// error's message.
type Attempt struct {
	Variant  string
	Provider string
	Reason   string
}

// Composite aggregates per-attempt failures into a single server-side
// error, per spec.md §7 ("Callers always see either a success... or a
// single composite server-side error with the underlying causes in its
// message").
type Composite struct {
	Kind     Kind
	Attempts []Attempt
}

func NewComposite(kind Kind) *Composite {
	return &Composite{Kind: kind}
}

func (c *Composite) Add(variant, provider, reason string) {
	c.Attempts = append(c.Attempts, Attempt{Variant: variant, Provider: provider, Reason: reason})
}

func (c *Composite) Empty() bool { return len(c.Attempts) == 0 }

func (c *Composite) Error() string {
	parts := make([]string, 0, len(c.Attempts))
	for _, a := range c.Attempts {
		if a.Variant != "" {
			parts = append(parts, fmt.Sprintf("variant=%s provider=%s: %s", a.Variant, a.Provider, a.Reason))
		} else {
			parts = append(parts, fmt.Sprintf("provider=%s: %s", a.Provider, a.Reason))
		}
	}
	return fmt.Sprintf("%s: %s", c.Kind, strings.Join(parts, "; "))
}

// AsError converts the composite into a taxonomy Error carrying the same
// Kind, so it flows through the same HTTPStatus mapping as any other
// error.
func (c *Composite) AsError() *Error {
	return &Error{Kind: c.Kind, Message: c.Error()}
}
