// Package grpcserver exposes the standard gRPC health service. Besides the
// overall process status it reports "casevault.storage", which follows the
// object store availability probe.
package grpcserver

import (
	"net"

	"github.com/PaulBabatuyi/casevault/internal/middleware"
	"github.com/PaulBabatuyi/casevault/internal/observability"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

const StorageService = "casevault.storage"

type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New builds the server. metrics may be nil.
func New(logger *zap.Logger, metrics *observability.MetricsCollector) *Server {
	logger = observability.OrNop(logger).Named("grpc")

	unary := []grpc.UnaryServerInterceptor{middleware.UnaryLoggingInterceptor(logger)}
	stream := []grpc.StreamServerInterceptor{middleware.StreamLoggingInterceptor(logger)}
	if metrics != nil {
		unary = append([]grpc.UnaryServerInterceptor{metrics.GetServerMetrics().UnaryServerInterceptor()}, unary...)
		stream = append([]grpc.StreamServerInterceptor{metrics.GetServerMetrics().StreamServerInterceptor()}, stream...)
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(observability.GRPCStatsHandler()),
		grpc.ChainUnaryInterceptor(unary...),
		grpc.ChainStreamInterceptor(stream...),
	)

	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	// Unknown until the first probe lands.
	hs.SetServingStatus(StorageService, healthpb.HealthCheckResponse_NOT_SERVING)

	if metrics != nil {
		metrics.GetServerMetrics().InitializeMetrics(srv)
	}

	return &Server{grpc: srv, health: hs, logger: logger}
}

// SetStorageServing records the object store availability.
func (s *Server) SetStorageServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(StorageService, status)
	s.logger.Info("storage health changed", zap.String("status", status.String()))
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.logger.Info("gRPC server listening", zap.String("addr", lis.Addr().String()))
	return s.grpc.Serve(lis)
}

// Stop marks everything NOT_SERVING and drains in-flight calls.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
