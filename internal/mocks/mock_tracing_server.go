package mocks

import (
	"context"
	"fmt"
	"log"
	"net"
	"sync"

	otlpcollector "go.opentelemetry.io/proto/otlp/collector/trace/v1"
	"google.golang.org/grpc"
)

type mockTracingServer struct {
	otlpcollector.UnimplementedTraceServiceServer
	exportCount int
	serviceMu   sync.Mutex
	grpcServer  *grpc.Server
}

var _ otlpcollector.TraceServiceServer = (*mockTracingServer)(nil)

func (s *mockTracingServer) Export(context.Context, *otlpcollector.ExportTraceServiceRequest) (*otlpcollector.ExportTraceServiceResponse, error) {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	s.exportCount++
	return &otlpcollector.ExportTraceServiceResponse{}, nil
}

// NewMockTracingServer starts an OTLP trace collector on the given port that
// counts Export calls. Call Stop when done with it.
func NewMockTracingServer(port int) (*mockTracingServer, error) {
	mockServer := &mockTracingServer{exportCount: 0, grpcServer: grpc.NewServer()}
	otlpcollector.RegisterTraceServiceServer(mockServer.grpcServer, mockServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}

	go func() {
		if err := mockServer.grpcServer.Serve(lis); err != nil {
			log.Fatalf("failed to serve: %v", err)
		}
	}()
	return mockServer, nil
}

func (s *mockTracingServer) Stop() {
	s.grpcServer.GracefulStop()
}

func (s *mockTracingServer) GetExportCount() int {
	s.serviceMu.Lock()
	defer s.serviceMu.Unlock()
	return s.exportCount
}
