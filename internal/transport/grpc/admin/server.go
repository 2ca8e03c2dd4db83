// Package admingrpc exposes the node's administrative gRPC surface: the
// standard health service and server reflection.
package admingrpc

import (
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health-check service name of the KV stream server.
const ServiceName = "walcache.KV"

// Server wraps a grpc.Server carrying the health and reflection services.
// Health starts NOT_SERVING until SetServing(true) is called.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
}

// NewServer creates an admin gRPC server.
func NewServer(opts ...grpc.ServerOption) *Server {
	gs := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)
	return &Server{grpc: gs, health: hs}
}

// SetServing flips both the overall and the KV health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// GRPC returns the underlying grpc.Server for serving.
func (s *Server) GRPC() *grpc.Server { return s.grpc }

// Stop marks the node NOT_SERVING and gracefully stops the gRPC server.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
