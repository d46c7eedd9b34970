package recovery

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"

	grpc_recovery "github.com/grpc-ecosystem/go-grpc-middleware/v2/interceptors/recovery"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/loomdb/loom/pkg/logger"
)

func TestPanic(t *testing.T) {
	panicHandlerFunc := http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		panic("Unexpected error!")
	})

	handler := HTTPPanicRecoveryHandler(panicHandlerFunc, logger.MustNewLogger("text", "info"))

	req, err := http.NewRequest(http.MethodGet, "/", nil)
	require.NoError(t, err)

	resp := httptest.NewRecorder()
	require.NotPanics(t, func() {
		handler.ServeHTTP(resp, req)
	})

	require.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestUnaryPanicInterceptor(t *testing.T) {
	listner := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() {
		listner.Close()
		goleak.VerifyNone(t)
	})

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			[]grpc.UnaryServerInterceptor{
				grpc_recovery.UnaryServerInterceptor(
					grpc_recovery.WithRecoveryHandlerContext(
						PanicRecoveryHandler(logger.MustNewLogger("text", "info")),
					),
				),
			}...,
		),
	}

	srv := grpc.NewServer(serverOpts...)
	t.Cleanup(srv.Stop)

	healthv1pb.RegisterHealthServer(srv, &panickyHealthServer{})

	go func() {
		err := srv.Serve(listner)
		if err != nil {
			t.Fail()
		}
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listner.Dial()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := []grpc.DialOption{
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials())}

	conn, err := grpc.NewClient("passthrough://bufnet", opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
	})

	cli := healthv1pb.NewHealthClient(conn)

	_, err = cli.Check(ctx, &healthv1pb.HealthCheckRequest{})
	st, ok := status.FromError(err)
	require.True(t, ok)

	require.Equal(t, codes.Internal, st.Code())
}

func TestStreamPanicInterceptor(t *testing.T) {
	listner := bufconn.Listen(1024 * 1024)
	t.Cleanup(func() {
		listner.Close()
	})

	serverOpts := []grpc.ServerOption{
		grpc.ChainStreamInterceptor(
			[]grpc.StreamServerInterceptor{
				grpc_recovery.StreamServerInterceptor(
					grpc_recovery.WithRecoveryHandlerContext(
						PanicRecoveryHandler(logger.MustNewLogger("text", "info")),
					),
				)}...,
		),
	}

	srv := grpc.NewServer(serverOpts...)
	t.Cleanup(srv.Stop)

	healthv1pb.RegisterHealthServer(srv, &panickyHealthServer{})

	go func() {
		_ = srv.Serve(listner)
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listner.Dial()
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	opts := []grpc.DialOption{
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials())}

	conn, err := grpc.NewClient("passthrough://bufnet", opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
	})

	cli := healthv1pb.NewHealthClient(conn)
	stream, err := cli.Watch(ctx, &healthv1pb.HealthCheckRequest{})
	require.NoError(t, err)

	_, err = stream.Recv()
	st, ok := status.FromError(err)
	require.True(t, ok)

	require.Equal(t, codes.Internal, st.Code())
}

type panickyHealthServer struct {
	healthv1pb.UnimplementedHealthServer
}

func (panickyHealthServer) Check(context.Context, *healthv1pb.HealthCheckRequest) (*healthv1pb.HealthCheckResponse, error) {
	panic("Unexpected error!")
}

func (panickyHealthServer) Watch(req *healthv1pb.HealthCheckRequest, stream healthv1pb.Health_WatchServer) error {
	panic("Unexpected error!")
}
