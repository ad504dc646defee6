package grpcx

import (
	"context"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ReadyCheck reports whether a named dependency is usable.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

// HealthServer is a gRPC server exposing grpc.health.v1 for orchestrators that probe over gRPC.
// Serving status follows the dependency checks, refreshed every interval.
type HealthServer struct {
	srv      *grpc.Server
	health   *health.Server
	service  string
	checks   []ReadyCheck
	interval time.Duration
	logger   *slog.Logger
}

func NewHealthServer(logger *slog.Logger, service string, interval time.Duration, checks ...ReadyCheck) *HealthServer {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(RequestIDUnary(), RecoverUnary(logger)),
	)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return &HealthServer{
		srv:      srv,
		health:   hs,
		service:  service,
		checks:   checks,
		interval: interval,
		logger:   logger,
	}
}

// Refresh runs every check once and updates the serving status.
func (h *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	for _, c := range h.checks {
		if c.Check == nil {
			continue
		}
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := c.Check(checkCtx)
		cancel()
		if err != nil {
			h.logger.Warn("grpc health dependency failing", "dependency", c.Name, "err", err)
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(h.service, status)
	return status
}

// Serve blocks until ctx is cancelled or the listener fails.
func (h *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	h.Refresh(ctx)
	go func() {
		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				h.health.Shutdown()
				h.srv.GracefulStop()
				return
			case <-ticker.C:
				h.Refresh(ctx)
			}
		}
	}()
	return h.srv.Serve(lis)
}
