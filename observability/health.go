package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthServer exposes the standard gRPC health service for load balancers.
// It reports SERVING while Run is active.
type HealthServer struct {
	log    *slog.Logger
	port   int
	health *health.Server
	server *grpc.Server
}

func NewHealthServer(log *slog.Logger, port int) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s := grpc.NewServer()
	healthpb.RegisterHealthServer(s, h)
	return &HealthServer{log: log, port: port, health: h, server: s}
}

func (h *HealthServer) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", h.port))
	if err != nil {
		return fmt.Errorf("failed to listen on health port %d: %w", h.port, err)
	}
	return h.Serve(ctx, lis)
}

// Serve blocks until ctx is done or the listener fails.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	h.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	errCh := make(chan error, 1)
	go func() { errCh <- h.server.Serve(lis) }()
	h.log.Info("gRPC health server listening", "addr", lis.Addr().String())

	select {
	case <-ctx.Done():
		h.health.Shutdown()
		h.server.GracefulStop()
		return nil
	case err := <-errCh:
		h.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
		return err
	}
}
