package stt

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestKindOf(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		want      Kind
		retryable bool
	}{
		{"classified", NewError(KindQuota, "test", errors.New("quota")), KindQuota, false},
		{"wrapped classified", fmt.Errorf("call: %w", NewError(KindTimeout, "test", errors.New("slow"))), KindTimeout, true},
		{"deadline", context.DeadlineExceeded, KindTimeout, true},
		{"canceled", context.Canceled, KindCanceled, false},
		{"net timeout", timeoutErr{}, KindTimeout, true},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), KindUnavailable, true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "bad audio"), KindInvalidInput, false},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), KindQuota, false},
		{"grpc denied", status.Error(codes.PermissionDenied, "nope"), KindAuth, false},
		{"plain", errors.New("connection reset"), KindUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf() = %v, want %v", got, tt.want)
			}
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.retryable)
			}
		})
	}
}

func TestIsRetryable_Nil(t *testing.T) {
	if IsRetryable(nil) {
		t.Error("nil error must not be retryable")
	}
}

func TestKindFromHTTPStatus(t *testing.T) {
	tests := []struct {
		code int
		want Kind
	}{
		{http.StatusBadRequest, KindInvalidInput},
		{http.StatusUnsupportedMediaType, KindInvalidInput},
		{http.StatusUnauthorized, KindAuth},
		{http.StatusForbidden, KindAuth},
		{http.StatusTooManyRequests, KindQuota},
		{http.StatusRequestTimeout, KindTimeout},
		{http.StatusGatewayTimeout, KindTimeout},
		{http.StatusInternalServerError, KindUnavailable},
		{http.StatusServiceUnavailable, KindUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.code), func(t *testing.T) {
			if got := KindFromHTTPStatus(tt.code); got != tt.want {
				t.Errorf("KindFromHTTPStatus(%d) = %v, want %v", tt.code, got, tt.want)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	base := errors.New("boom")
	err := NewError(KindUnavailable, "google", base)
	if !errors.Is(err, base) {
		t.Error("expected errors.Is to reach wrapped error")
	}
	if err.Error() != "stt google: unavailable: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
