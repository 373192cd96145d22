package health

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"edgeward.io/internal/obs"
)

const probeTimeout = 2 * time.Second

var errNotLive = errors.New("health: service is not live")

// Checker reports whether a dependency can serve traffic.
type Checker interface {
	Check(ctx context.Context) error
}

// Server exposes the standard gRPC health service. A service only reports
// SERVING after MarkLive and while its checker passes.
type Server struct {
	service string
	checker Checker
	hs      *health.Server
	grpc    *grpc.Server
	live    atomic.Bool
}

// New builds a health server for service. checker may be nil.
func New(service string, checker Checker, opts ...grpc.ServerOption) *Server {
	s := &Server{
		service: service,
		checker: checker,
		hs:      health.NewServer(),
		grpc:    grpc.NewServer(opts...),
	}
	s.hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.hs.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(s.grpc, s.hs)
	return s
}

// MarkLive records that the service finished starting, e.g. its event
// subscription is established.
func (s *Server) MarkLive() { s.live.Store(true) }

// MarkDown reverts MarkLive and publishes NOT_SERVING at once. Later probes
// keep reporting NOT_SERVING.
func (s *Server) MarkDown() {
	s.live.Store(false)
	s.Probe(context.Background())
}

// Check fails while the service is not live or its checker fails, so the
// HTTP readiness probe agrees with the gRPC status.
func (s *Server) Check(ctx context.Context) error {
	if !s.live.Load() {
		return errNotLive
	}
	if s.checker == nil {
		return nil
	}
	return s.checker.Check(ctx)
}

// Probe runs the checker once and publishes the result.
func (s *Server) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if !s.live.Load() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	} else if s.checker != nil {
		ctx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.checker.Check(ctx)
		cancel()
		if err != nil {
			log := obs.Component("health")
			log.Warn().Err(err).Str("service", s.service).Msg("readiness check failed")
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	s.hs.SetServingStatus("", status)
	s.hs.SetServingStatus(s.service, status)
	obs.SetReady(status == healthpb.HealthCheckResponse_SERVING)
	return status
}

// Run probes every interval until ctx ends.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	s.Probe(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Probe(ctx)
		}
	}
}

// Serve blocks serving gRPC on lis.
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Shutdown flips every service to NOT_SERVING and stops gracefully.
func (s *Server) Shutdown() {
	s.hs.Shutdown()
	s.grpc.GracefulStop()
}
