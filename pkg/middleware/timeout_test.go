package middleware

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/loomdb/loom/pkg/logger"
)

// mockServerGRPCStream mocks grpc server stream and only returns context
// otherwise noop, and we don't care whether it is called or not
type mockServerGRPCStream struct {
	ctx context.Context
}

func (m mockServerGRPCStream) SetHeader(metadata.MD) error {
	return nil
}
func (m mockServerGRPCStream) SendHeader(metadata.MD) error {
	return nil
}
func (m mockServerGRPCStream) SetTrailer(metadata.MD) {}
func (m mockServerGRPCStream) Context() context.Context {
	return m.ctx
}
func (m mockServerGRPCStream) SendMsg(any) error {
	return nil
}
func (m mockServerGRPCStream) RecvMsg(any) error {
	return nil
}

func TestNewUnaryTimeoutInterceptor(t *testing.T) {
	timeoutInterceptor := NewTimeoutInterceptor(5*time.Millisecond, logger.NewNoopLogger())

	handler := func(ctx context.Context, req any) (any, error) {
		started := make(chan struct{})
		finished := make(chan struct{}, 1)
		go func() {
			started <- struct{}{}
			time.Sleep(20 * time.Millisecond)
			finished <- struct{}{}
		}()

		<-started
		select {
		case <-ctx.Done():
			return nil, nil
		case <-finished:
			return nil, errors.New("should have timed out")
		}
	}
	interceptor := timeoutInterceptor.NewUnaryTimeoutInterceptor()
	_, err := interceptor(context.Background(), nil, nil, handler)
	require.NoError(t, err)
}

func TestNewStreamTimeoutInterceptor(t *testing.T) {
	timeoutInterceptor := NewTimeoutInterceptor(5*time.Millisecond, logger.NewNoopLogger())

	handler := func(srv any, stream grpc.ServerStream) error {
		ctx := stream.Context()
		started := make(chan struct{})
		finished := make(chan struct{}, 1)
		go func() {
			started <- struct{}{}
			time.Sleep(20 * time.Millisecond)
			finished <- struct{}{}
		}()

		<-started
		select {
		case <-ctx.Done():
			return nil
		case <-finished:
			return errors.New("should have timed out")
		}
	}
	interceptor := timeoutInterceptor.NewStreamTimeoutInterceptor()
	err := interceptor(nil, mockServerGRPCStream{ctx: context.Background()}, nil, handler)
	require.NoError(t, err)
}
