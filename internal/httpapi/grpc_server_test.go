package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"zakat.org/internal/apperr"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *grpc.Server) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		srv.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

type failingReadiness struct{}

func (f failingReadiness) Check(context.Context) error { return errors.New("boom") }

func TestGRPCHealthReflectsReadiness(t *testing.T) {
	srv, hs := NewGRPCServer()
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client := healthpb.NewHealthClient(conn)

	if !CheckReadiness(ctx, hs, ReadyProbe{}) {
		t.Fatal("expected ready")
	}
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %v", resp.GetStatus())
	}

	if CheckReadiness(ctx, hs, failingReadiness{}) {
		t.Fatal("expected not ready")
	}
	resp, err = client.Check(ctx, &healthpb.HealthCheckRequest{Service: serviceName})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("unexpected status: %v", resp.GetStatus())
	}
}

func TestUnaryErrorInterceptorMapsDomainErrors(t *testing.T) {
	info := &grpc.UnaryServerInfo{FullMethod: "/zakat.Test/Call"}
	cases := []struct {
		err  error
		want codes.Code
		msg  string
	}{
		{fmt.Errorf("%w: applicationId is required", apperr.ErrInvalidArgument), codes.InvalidArgument, "invalid argument: applicationId is required"},
		{fmt.Errorf("%w: already assigned", apperr.ErrFailedPrecondition), codes.FailedPrecondition, "failed precondition: already assigned"},
		{errors.New("pq: connection reset"), codes.Internal, "internal error"},
	}
	for _, tc := range cases {
		_, err := UnaryErrorInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
			return nil, tc.err
		})
		st, ok := status.FromError(err)
		if !ok {
			t.Fatalf("expected status error, got %v", err)
		}
		if st.Code() != tc.want || st.Message() != tc.msg {
			t.Fatalf("got %v %q, want %v %q", st.Code(), st.Message(), tc.want, tc.msg)
		}
	}

	resp, err := UnaryErrorInterceptor(context.Background(), nil, info, func(context.Context, any) (any, error) {
		return "ok", nil
	})
	if err != nil || resp != "ok" {
		t.Fatalf("unexpected passthrough: %v %v", resp, err)
	}
}
