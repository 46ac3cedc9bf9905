// Package grpcapi exposes the gRPC health and reflection services used by
// orchestration probes and debugging tools.
package grpcapi

import (
	"net"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"live-transcription-service/internal/observability"
	"live-transcription-service/internal/observability/metrics"
)

// ServiceName is the health service name reported for the transcription pipeline.
const ServiceName = "live.transcription.SessionService"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates a gRPC server with health, reflection and metrics interceptors.
func NewServer(m *metrics.Metrics) *Server {
	if m == nil {
		m = metrics.DefaultMetrics
	}
	g := grpc.NewServer(
		grpc.ChainUnaryInterceptor(observability.UnaryServerInterceptor(m)),
		grpc.ChainStreamInterceptor(observability.StreamServerInterceptor(m)),
	)

	// Register gRPC health check service
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(g, healthServer)

	// Enable gRPC reflection for debugging tools like grpcurl
	reflection.Register(g)

	s := &Server{grpc: g, health: healthServer}
	s.SetServing(true)
	return s
}

// SetServing flips the reported health of the service.
func (s *Server) SetServing(serving bool) {
	st := grpc_health_v1.HealthCheckResponse_NOT_SERVING
	if serving {
		st = grpc_health_v1.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// Serve blocks serving lis until Stop or GracefulStop.
func (s *Server) Serve(lis net.Listener) error {
	log.Info().Str("addr", lis.Addr().String()).Msg("gRPC server started")
	return s.grpc.Serve(lis)
}

// GracefulStop reports NOT_SERVING and waits for in-flight calls.
func (s *Server) GracefulStop() {
	log.Info().Msg("Shutting down gRPC server")
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

// Stop closes all connections immediately.
func (s *Server) Stop() {
	s.grpc.Stop()
}
