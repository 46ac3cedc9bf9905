package observability

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"live-transcription-service/internal/observability/metrics"
)

// UnaryServerInterceptor records call metrics and turns handler panics into
// codes.Internal.
func UnaryServerInterceptor(m *metrics.Metrics) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
			observe(m, info.FullMethod, "unary", start, err)
		}()
		return handler(ctx, req)
	}
}

// StreamServerInterceptor is the streaming counterpart of UnaryServerInterceptor.
func StreamServerInterceptor(m *metrics.Metrics) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) (err error) {
		start := time.Now()
		defer func() {
			if r := recover(); r != nil {
				err = recovered(info.FullMethod, r)
			}
			observe(m, info.FullMethod, "stream", start, err)
		}()
		return handler(srv, ss)
	}
}

func observe(m *metrics.Metrics, method, kind string, start time.Time, err error) {
	duration := time.Since(start)
	code := status.Code(err).String()
	m.RecordRPC(method, code, duration.Seconds())

	log.Debug().
		Str("method", method).
		Str("kind", kind).
		Str("code", code).
		Dur("duration", duration).
		Msg("gRPC call completed")
}

func recovered(method string, r any) error {
	log.Error().
		Str("method", method).
		Str("panic", fmt.Sprint(r)).
		Bytes("stack", debug.Stack()).
		Msg("gRPC handler panicked")
	return status.Error(codes.Internal, "internal error")
}
