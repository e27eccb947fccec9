package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"zakat.org/internal/apperr"
	"zakat.org/internal/obs"
)

// NewGRPCServer builds the gRPC server with the standard health service and
// domain error mapping. The returned health server is driven by
// WatchReadiness.
func NewGRPCServer(opts ...grpc.ServerOption) (*grpc.Server, *health.Server) {
	opts = append(opts, grpc.ChainUnaryInterceptor(UnaryErrorInterceptor))
	srv := grpc.NewServer(opts...)
	hs := health.NewServer()
	hs.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(srv, hs)
	return srv, hs
}

// UnaryErrorInterceptor converts domain errors into gRPC status errors with
// caller-safe messages.
func UnaryErrorInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	if err != nil {
		if apperr.CodeOf(err) == apperr.CodeInternal {
			obs.Error("grpc internal error", map[string]any{"method": info.FullMethod, "error": err.Error()})
		}
		return nil, apperr.GRPCStatus(err)
	}
	return resp, nil
}

// CheckReadiness runs one probe and publishes the result to hs and metrics.
func CheckReadiness(ctx context.Context, hs *health.Server, r readinessChecker) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	status := healthpb.HealthCheckResponse_SERVING
	ok := r.Check(ctx) == nil
	if !ok {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	obs.SetReady(ok)
	hs.SetServingStatus(serviceName, status)
	hs.SetServingStatus("", status)
	return ok
}

// WatchReadiness probes every interval until ctx ends.
func WatchReadiness(ctx context.Context, hs *health.Server, r readinessChecker, interval time.Duration) {
	CheckReadiness(ctx, hs, r)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			hs.Shutdown()
			return
		case <-ticker.C:
			CheckReadiness(ctx, hs, r)
		}
	}
}
