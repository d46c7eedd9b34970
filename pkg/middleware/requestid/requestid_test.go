package requestid

import (
	"context"
	"testing"

	"github.com/grpc-ecosystem/go-grpc-middleware/v2/testing/testpb"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
)

var pingReq = &testpb.PingRequest{Value: "ping"}

type pingService struct {
	testpb.TestServiceServer
	T *testing.T
}

func (s *pingService) Ping(ctx context.Context, req *testpb.PingRequest) (*testpb.PingResponse, error) {
	requestID, ok := FromContext(ctx)
	require.True(s.T, ok)
	require.NotEmpty(s.T, requestID)

	return s.TestServiceServer.Ping(ctx, req)
}

func (s *pingService) PingStream(ss testpb.TestService_PingStreamServer) error {
	requestID, ok := FromContext(ss.Context())
	require.True(s.T, ok)
	require.NotEmpty(s.T, requestID)

	return s.TestServiceServer.PingStream(ss)
}

func TestRequestIDTestSuite(t *testing.T) {
	s := &RequestIDTestSuite{
		InterceptorTestSuite: &testpb.InterceptorTestSuite{
			TestService: &pingService{&testpb.TestPingService{}, t},
			ServerOpts: []grpc.ServerOption{
				grpc.UnaryInterceptor(NewUnaryInterceptor()),
				grpc.StreamInterceptor(NewStreamingInterceptor()),
			},
		},
	}

	suite.Run(t, s)
}

type RequestIDTestSuite struct {
	*testpb.InterceptorTestSuite
}

func (s *RequestIDTestSuite) TestPing() {
	var header metadata.MD
	_, err := s.Client.Ping(s.SimpleCtx(), pingReq, grpc.Header(&header))
	s.Require().NoError(err)
	s.Require().NotEmpty(header.Get(RequestIDHeader))
}

func (s *RequestIDTestSuite) TestStreamingPing() {
	stream, err := s.Client.PingStream(s.SimpleCtx())
	s.Require().NoError(err)

	s.Require().NoError(stream.Send(pingReq))
	_, err = stream.Recv()
	s.Require().NoError(err)
	s.Require().NoError(stream.CloseSend())
}

func TestInitID(t *testing.T) {
	// Without an active trace the ID falls back to a ULID.
	id := InitID(context.Background())
	require.Len(t, id, 26)
}
