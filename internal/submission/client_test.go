package submission

import (
	"context"
	"io"
	"net"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/resilience"
)

func TestMain(m *testing.M) {
	observability.SetOutput(io.Discard)
	os.Exit(m.Run())
}

// caseService records SubmitCase calls and fails the first failN of them.
type caseService struct {
	mu       sync.Mutex
	requests []Request
	failN    int
	failCode codes.Code
}

func (s *caseService) submit(req *Request) (*Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, *req)
	if len(s.requests) <= s.failN {
		return nil, status.Error(s.failCode, "try again")
	}
	return &Receipt{CaseID: "case-" + req.Case.Case.MRN, AcceptedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}, nil
}

func (s *caseService) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.requests)
}

var caseServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "SubmitCase",
		Handler: func(srv any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
			var req Request
			if err := dec(&req); err != nil {
				return nil, err
			}
			return srv.(*caseService).submit(&req)
		},
	}},
}

func startServer(t *testing.T, svc *caseService, healthStatus healthpb.HealthCheckResponse_ServingStatus) *GRPCSubmitter {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&caseServiceDesc, svc)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, healthStatus)
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	client, err := NewGRPCSubmitter(Config{
		URL:     "passthrough:///bufnet",
		Timeout: time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:       3,
			InitialBackoff:    time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			BackoffMultiplier: 2,
		},
		BreakerMaxFailures: 5,
		BreakerReset:       time.Minute,
		DialOptions: []grpc.DialOption{
			grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
				return lis.DialContext(ctx)
			}),
		},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func sampleExport() domain.CaseExport {
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	return domain.CaseExport{
		Case:     domain.CaseInfo{MRN: "MRN-1", OTID: "OT-3", CaseType: "general"},
		Revision: 4,
		Milestones: []domain.ExportedMilestone{
			{Kind: domain.MilestoneWheelsIn, Timestamp: at, Source: domain.SourceVoice},
			{Kind: domain.MilestoneAnesthesiaStart, Timestamp: at.Add(5 * time.Minute), Source: domain.SourceManual},
		},
	}
}

func TestGRPCSubmitter_Submit(t *testing.T) {
	svc := &caseService{}
	client := startServer(t, svc, healthpb.HealthCheckResponse_SERVING)

	receipt, err := client.Submit(context.Background(), sampleExport())
	require.NoError(t, err)
	assert.Equal(t, "case-MRN-1", receipt.CaseID)

	require.Equal(t, 1, svc.calls())
	got := svc.requests[0]
	assert.NotEmpty(t, got.SubmissionID)
	assert.Equal(t, sampleExport(), got.Case)
}

func TestGRPCSubmitter_RetriesUnavailable(t *testing.T) {
	svc := &caseService{failN: 2, failCode: codes.Unavailable}
	client := startServer(t, svc, healthpb.HealthCheckResponse_SERVING)

	_, err := client.Submit(context.Background(), sampleExport())
	require.NoError(t, err)
	assert.Equal(t, 3, svc.calls())
}

func TestGRPCSubmitter_DoesNotRetryRejection(t *testing.T) {
	svc := &caseService{failN: 10, failCode: codes.InvalidArgument}
	client := startServer(t, svc, healthpb.HealthCheckResponse_SERVING)

	_, err := client.Submit(context.Background(), sampleExport())
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
	assert.Equal(t, 1, svc.calls())
}

func TestGRPCSubmitter_HealthCheck(t *testing.T) {
	client := startServer(t, &caseService{}, healthpb.HealthCheckResponse_SERVING)
	ok, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	client = startServer(t, &caseService{}, healthpb.HealthCheckResponse_NOT_SERVING)
	ok, err = client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGRPCSubmitter_Closed(t *testing.T) {
	client := startServer(t, &caseService{}, healthpb.HealthCheckResponse_SERVING)
	require.NoError(t, client.Close())
	require.NoError(t, client.Close())

	_, err := client.Submit(context.Background(), sampleExport())
	assert.Error(t, err)
	_, err = client.HealthCheck(context.Background())
	assert.Error(t, err)
}

func TestNewGRPCSubmitter_RequiresURL(t *testing.T) {
	_, err := NewGRPCSubmitter(Config{})
	assert.Error(t, err)
}

func TestLogSubmitter(t *testing.T) {
	s := NewLogSubmitter()
	receipt, err := s.Submit(context.Background(), sampleExport())
	require.NoError(t, err)
	assert.Equal(t, "MRN-1", receipt.CaseID)

	ok, err := s.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, s.Close())
}

func TestJSONCodec(t *testing.T) {
	c := jsonCodec{}
	assert.Equal(t, "json", c.Name())

	data, err := c.Marshal(&Receipt{CaseID: "c1"})
	require.NoError(t, err)
	var r Receipt
	require.NoError(t, c.Unmarshal(data, &r))
	assert.Equal(t, "c1", r.CaseID)
}
