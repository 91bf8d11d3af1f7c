package grpcx

import (
	"context"
	"log/slog"
	"time"

	"github.com/alshifa-dental/scheduling/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// NewServer returns a server with tracing, request ids and the standard health service.
func NewServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	base := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(UnaryServerRequestIDInterceptor()),
	}
	srv := grpc.NewServer(append(base, opts...)...)
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// HealthReporter keeps a health service status in step with readiness checks.
type HealthReporter struct {
	Health  *health.Server
	Service string
	Checks  []runtime.ReadyCheck
	Every   time.Duration
	Logger  *slog.Logger
}

// Probe runs the checks once and publishes the resulting status.
func (h *HealthReporter) Probe(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	status := healthpb.HealthCheckResponse_SERVING
	if err := runtime.CheckAll(ctx, h.Checks...); err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
		if h.Logger != nil {
			h.Logger.Warn("readiness check failed", "err", err)
		}
	}
	h.Health.SetServingStatus(h.Service, status)
	h.Health.SetServingStatus("", status)
	return status
}

// Run probes until ctx is done, then marks everything NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) {
	every := h.Every
	if every <= 0 {
		every = 10 * time.Second
	}
	h.Probe(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Health.Shutdown()
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}
