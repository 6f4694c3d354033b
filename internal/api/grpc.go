package api

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service name reported for the engine.
const ServiceName = "heavyspectra.Engine"

// HealthServer serves grpc.health.v1 for load balancers and orchestrators.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
}

// NewHealthServer listens on addr. Both the overall status and ServiceName
// start as NOT_SERVING until MarkServing is called.
func NewHealthServer(addr string) (*HealthServer, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthServer{srv: srv, health: hs, lis: lis}, nil
}

func (s *HealthServer) Addr() string { return s.lis.Addr().String() }

func (s *HealthServer) MarkServing() {
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
}

// Serve blocks until Stop is called.
func (s *HealthServer) Serve() error {
	return s.srv.Serve(s.lis)
}

// Stop reports NOT_SERVING to watchers and then stops gracefully.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.srv.GracefulStop()
}
