package core

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// ErrorKind classifies why a request was not admitted.
type ErrorKind int

const (
	KindStructural ErrorKind = iota + 1
	KindSecurityViolation
	KindAuthz
	KindRateLimited
	KindVersion
	KindUpstreamDegradation
	KindInternal
)

func (k ErrorKind) String() string {
	switch k {
	case KindStructural:
		return "structural_error"
	case KindSecurityViolation:
		return "security_violation"
	case KindAuthz:
		return "authorization_error"
	case KindRateLimited:
		return "rate_limited"
	case KindVersion:
		return "version_error"
	case KindUpstreamDegradation:
		return "upstream_degradation"
	case KindInternal:
		return "internal_error"
	default:
		return "unknown_error"
	}
}

// AdmissionError is the typed result of a failed admission check. Only the
// pipeline turns it into an HTTP response.
type AdmissionError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *AdmissionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *AdmissionError) Unwrap() error { return e.Err }

// Code is the short machine-readable error name sent to callers.
func (e *AdmissionError) Code() string {
	switch e.Status {
	case http.StatusBadRequest:
		if e.Kind == KindVersion {
			return "unsupported_version"
		}
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return "internal_error"
	}
}

// StructuralError reports a malformed, oversized or unsupported request.
func StructuralError(format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: KindStructural, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// SecurityViolation reports a detected injection or smuggling attempt.
func SecurityViolation(format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: KindSecurityViolation, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// Unauthorized reports a missing or invalid credential.
func Unauthorized(format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: KindAuthz, Status: http.StatusUnauthorized, Message: fmt.Sprintf(format, args...)}
}

// Forbidden reports a blocked identity or a missing entitlement.
func Forbidden(format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: KindAuthz, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

// RateLimitedError reports a sliding-window denial with retry guidance.
func RateLimitedError(retryAfter time.Duration, format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: KindRateLimited, Status: http.StatusTooManyRequests, RetryAfter: retryAfter, Message: fmt.Sprintf(format, args...)}
}

// VersionError reports an unsupported or sunset API version.
func VersionError(format string, args ...any) *AdmissionError {
	return &AdmissionError{Kind: KindVersion, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// InternalError wraps an unexpected failure. Callers never see err itself.
func InternalError(err error) *AdmissionError {
	return &AdmissionError{Kind: KindInternal, Status: http.StatusInternalServerError, Message: "internal error", Err: err}
}

// ErrDegraded marks a shared-store failure that was absorbed by the local
// fallback.
var ErrDegraded = &AdmissionError{Kind: KindUpstreamDegradation, Status: http.StatusOK, Message: "shared store unavailable"}

// AsAdmissionError converts any error into an AdmissionError, treating
// unknown errors as internal failures.
func AsAdmissionError(err error) *AdmissionError {
	if err == nil {
		return nil
	}
	var ae *AdmissionError
	if errors.As(err, &ae) {
		return ae
	}
	return InternalError(err)
}
