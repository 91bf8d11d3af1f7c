package main

import (
	"context"
	"log/slog"
	"net"

	"github.com/alshifa-dental/scheduling/libs/config"
	"github.com/alshifa-dental/scheduling/libs/grpcx"
	"github.com/alshifa-dental/scheduling/libs/runtime"
)

// serveGRPC exposes the standard gRPC health service, kept in step with the readiness checks.
func serveGRPC(ctx context.Context, addr, service string, checks []runtime.ReadyCheck, logger *slog.Logger) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Error("grpc listen failed", "addr", addr, "err", err)
		return
	}
	srv, hs := grpcx.NewServer()
	reporter := &grpcx.HealthReporter{
		Health:  hs,
		Service: service,
		Checks:  checks,
		Every:   config.Duration("HEALTH_PROBE_EVERY", 0),
		Logger:  logger,
	}
	go reporter.Run(ctx)

	go func() {
		<-ctx.Done()
		srv.GracefulStop()
	}()
	logger.Info("grpc server starting", "addr", addr)
	if err := srv.Serve(lis); err != nil {
		logger.Error("grpc server error", "err", err)
	}
}
