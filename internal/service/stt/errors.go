package stt

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies backend failures.
type Kind int

const (
	// KindUnavailable - backend or network temporarily unavailable.
	KindUnavailable Kind = iota
	// KindTimeout - call exceeded its deadline.
	KindTimeout
	// KindInvalidInput - payload rejected as malformed or unsupported.
	KindInvalidInput
	// KindQuota - quota or rate limit exhausted.
	KindQuota
	// KindAuth - credentials rejected.
	KindAuth
	// KindCanceled - caller abandoned the call.
	KindCanceled
)

// String returns the metric label for the kind.
func (k Kind) String() string {
	switch k {
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindInvalidInput:
		return "invalid_input"
	case KindQuota:
		return "quota"
	case KindAuth:
		return "auth"
	case KindCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("unknown(%d)", int(k))
	}
}

// Retryable reports whether the same audio may succeed on another attempt.
func (k Kind) Retryable() bool {
	return k == KindUnavailable || k == KindTimeout
}

// Error is a classified backend failure.
type Error struct {
	Kind     Kind
	Provider string
	Err      error
}

// NewError wraps err with a classification.
func NewError(kind Kind, provider string, err error) *Error {
	return &Error{Kind: kind, Provider: provider, Err: err}
}

func (e *Error) Error() string {
	return fmt.Sprintf("stt %s: %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf classifies any error returned from a backend call. Unclassified errors
// are treated as transient network failures.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, context.Canceled):
		return KindCanceled
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	if st, ok := status.FromError(err); ok && st.Code() != codes.Unknown {
		return KindFromGRPC(st.Code())
	}
	return KindUnavailable
}

// IsRetryable reports whether err is a transient failure.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return KindOf(err).Retryable()
}

// KindFromGRPC maps a gRPC status code to a failure kind.
func KindFromGRPC(code codes.Code) Kind {
	switch code {
	case codes.DeadlineExceeded:
		return KindTimeout
	case codes.Unavailable, codes.Aborted, codes.Internal, codes.Unknown:
		return KindUnavailable
	case codes.ResourceExhausted:
		return KindQuota
	case codes.Unauthenticated, codes.PermissionDenied:
		return KindAuth
	case codes.Canceled:
		return KindCanceled
	default:
		return KindInvalidInput
	}
}

// KindFromHTTPStatus maps an HTTP response status to a failure kind.
// 429 is treated as quota exhaustion rather than a transient failure.
func KindFromHTTPStatus(code int) Kind {
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return KindTimeout
	case code == http.StatusTooManyRequests:
		return KindQuota
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuth
	case code >= 500:
		return KindUnavailable
	default:
		return KindInvalidInput
	}
}
