package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"testing"

	grpc_ctxtags "github.com/grpc-ecosystem/go-grpc-middleware/tags"
	"github.com/grpc-ecosystem/go-grpc-middleware/v2/testing/testpb"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthv1pb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/loomdb/loom/pkg/logger"
	"github.com/loomdb/loom/pkg/middleware/requestid"
)

type outputCapture struct {
	Level           string          `json:"level"`
	Ts              float64         `json:"ts"`
	Msg             string          `json:"msg"`
	GrpcService     string          `json:"grpc_service"`
	GrpcMethod      string          `json:"grpc_method"`
	GrpcType        string          `json:"grpc_type"`
	UserAgent       string          `json:"user_agent"`
	RawRequest      json.RawMessage `json:"raw_request"`
	RawResponse     json.RawMessage `json:"raw_response"`
	QueryDurationMs string          `json:"query_duration_ms"`
	PeerAddress     string          `json:"peer.address"`
	RequestId       string          `json:"request_id"`
	GrpcCode        int             `json:"grpc_code"`
}

func setupLoggedServer(t *testing.T) (*bytes.Buffer, *grpc.ClientConn) {
	gotBuffer := new(bytes.Buffer)

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(gotBuffer),
		zap.InfoLevel,
	)
	argLogger := &logger.ZapLogger{Logger: zap.New(core)}

	serverOpts := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(grpc_ctxtags.UnaryServerInterceptor(), requestid.NewUnaryInterceptor(), NewLoggingInterceptor(argLogger)),
	}

	listner := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer(serverOpts...)
	t.Cleanup(srv.Stop)

	testpb.RegisterTestServiceServer(srv, &testpb.TestPingService{})
	healthv1pb.RegisterHealthServer(srv, &servingHealthServer{})

	go func() {
		err := srv.Serve(listner)
		require.NoError(t, err)
	}()

	dialer := func(context.Context, string) (net.Conn, error) {
		return listner.Dial()
	}
	opts := []grpc.DialOption{
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	conn, err := grpc.NewClient("passthrough://buffcon", opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		conn.Close()
	})

	return gotBuffer, conn
}

func TestNewLoggingInterceptor_concrete(t *testing.T) {
	gotBuffer, conn := setupLoggedServer(t)

	client := testpb.NewTestServiceClient(conn)

	_, err := client.Ping(context.Background(), &testpb.PingRequest{Value: "ping"})
	require.NoError(t, err)

	var output outputCapture
	err = json.NewDecoder(gotBuffer).Decode(&output)
	require.NoError(t, err)

	assert.Equal(t, "info", output.Level)
	assert.NotEmpty(t, output.Ts)
	assert.Equal(t, "grpc_req_complete", output.Msg)
	assert.Contains(t, output.GrpcService, "TestService")
	assert.Equal(t, "Ping", output.GrpcMethod)
	assert.Equal(t, "unary", output.GrpcType)
	assert.NotEmpty(t, output.UserAgent)
	assert.NotEmpty(t, output.RawRequest)
	assert.NotEmpty(t, output.RawResponse)
	assert.NotEmpty(t, output.QueryDurationMs)
	assert.NotEmpty(t, output.PeerAddress)
	assert.NotEmpty(t, output.RequestId)
	assert.Equal(t, 0, output.GrpcCode)
}

func TestHealthChecksAreNotLogged(t *testing.T) {
	gotBuffer, conn := setupLoggedServer(t)

	client := healthv1pb.NewHealthClient(conn)

	_, err := client.Check(context.Background(), &healthv1pb.HealthCheckRequest{})
	require.NoError(t, err)

	require.Zero(t, gotBuffer.Len())
}

type servingHealthServer struct {
	healthv1pb.UnimplementedHealthServer
}

func (servingHealthServer) Check(context.Context, *healthv1pb.HealthCheckRequest) (*healthv1pb.HealthCheckResponse, error) {
	return &healthv1pb.HealthCheckResponse{Status: healthv1pb.HealthCheckResponse_SERVING}, nil
}
