// Package submission hands finalized case records to the case submission
// service.
package submission

import (
	"context"
	"crypto/tls"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/lexiqai/orvoice/internal/config"
	"github.com/lexiqai/orvoice/internal/domain"
	"github.com/lexiqai/orvoice/internal/observability"
	"github.com/lexiqai/orvoice/internal/resilience"
)

// Service and method names of the submission contract.
const (
	ServiceName  = "orvoice.cases.v1.CaseSubmission"
	SubmitMethod = "/" + ServiceName + "/SubmitCase"
)

// Receipt acknowledges an accepted case.
type Receipt struct {
	CaseID     string    `json:"case_id"`
	AcceptedAt time.Time `json:"accepted_at"`
}

// Request is the SubmitCase payload.
type Request struct {
	SubmissionID string            `json:"submission_id"`
	Case         domain.CaseExport `json:"case"`
}

// Submitter delivers exported cases.
type Submitter interface {
	Submit(ctx context.Context, export domain.CaseExport) (Receipt, error)
	HealthCheck(ctx context.Context) (bool, error)
	Close() error
}

// Config holds connection settings for GRPCSubmitter.
type Config struct {
	URL                string
	TLSEnabled         bool
	Timeout            time.Duration
	Retry              resilience.RetryConfig
	BreakerMaxFailures int
	BreakerReset       time.Duration
	DialOptions        []grpc.DialOption
}

// ConfigFromEnv maps service configuration onto the client.
func ConfigFromEnv(cfg *config.Config) Config {
	return Config{
		URL:        cfg.SubmissionURL,
		TLSEnabled: cfg.SubmissionTLSEnabled,
		Timeout:    time.Duration(cfg.SubmissionTimeout) * time.Second,
		Retry: resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
			MaxBackoff:        5 * time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
		BreakerMaxFailures: cfg.CircuitBreakerMaxFailures,
		BreakerReset:       time.Duration(cfg.CircuitBreakerResetTimeout) * time.Second,
	}
}

// GRPCSubmitter calls the submission service over gRPC with retries behind
// a circuit breaker.
type GRPCSubmitter struct {
	cfg     Config
	breaker *resilience.CircuitBreaker
	logger  zerolog.Logger

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	health healthpb.HealthClient
}

// NewGRPCSubmitter creates the client. The connection is established lazily
// on the first call.
func NewGRPCSubmitter(cfg Config) (*GRPCSubmitter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("submission service URL is empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = *resilience.DefaultRetryConfig()
	}

	opts := []grpc.DialOption{
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                30 * time.Second,
			Timeout:             5 * time.Second,
			PermitWithoutStream: false,
		}),
	}
	if cfg.TLSEnabled {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{MinVersion: tls.VersionTLS12})))
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	opts = append(opts, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create submission client for %s: %w", cfg.URL, err)
	}

	return &GRPCSubmitter{
		cfg:     cfg,
		breaker: resilience.NewCircuitBreaker("submission", cfg.BreakerMaxFailures, cfg.BreakerReset),
		logger:  observability.Component("submission"),
		conn:    conn,
		health:  healthpb.NewHealthClient(conn),
	}, nil
}

// Submit sends export to the service.
func (c *GRPCSubmitter) Submit(ctx context.Context, export domain.CaseExport) (Receipt, error) {
	start := time.Now()
	req := &Request{SubmissionID: observability.NewCorrelationID(), Case: export}
	logger := c.logger.With().
		Str("submission_id", req.SubmissionID).
		Str("mrn", export.Case.MRN).
		Uint64("revision", export.Revision).
		Logger()

	var receipt Receipt
	err := c.breaker.Call(func() error {
		return resilience.Retry(ctx, func(ctx context.Context) error {
			c.mu.RLock()
			conn := c.conn
			c.mu.RUnlock()
			if conn == nil {
				return fmt.Errorf("submission client is closed")
			}

			callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
			defer cancel()
			return conn.Invoke(callCtx, SubmitMethod, req, &receipt, grpc.ForceCodec(jsonCodec{}))
		}, &c.cfg.Retry, resilience.IsRetryableNetworkError)
	})

	observability.RecordSubmission(start, err == nil)
	if err != nil {
		logger.Error().Err(err).Msg("Case submission failed")
		return Receipt{}, fmt.Errorf("failed to submit case %s: %w", export.Case.MRN, err)
	}

	logger.Info().Str("case_id", receipt.CaseID).Dur("latency", time.Since(start)).Msg("Case submitted")
	return receipt, nil
}

// HealthCheck asks the service's standard gRPC health endpoint.
func (c *GRPCSubmitter) HealthCheck(ctx context.Context) (bool, error) {
	c.mu.RLock()
	health := c.health
	c.mu.RUnlock()
	if health == nil {
		return false, fmt.Errorf("submission client is closed")
	}

	resp, err := health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return false, fmt.Errorf("health check failed: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close closes the gRPC connection
func (c *GRPCSubmitter) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.health = nil
	return err
}
