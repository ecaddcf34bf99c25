package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/lexiqai/orvoice/internal/observability"
)

// ReconnectConfig holds configuration for reconnection logic
type ReconnectConfig struct {
	MaxAttempts    int           // Maximum number of reconnection attempts
	Backoff        time.Duration // Backoff duration between attempts
	Multiplier     float64       // Backoff multiplier for exponential backoff
	MaxBackoff     time.Duration // Maximum backoff duration
	AttemptTimeout time.Duration // Bounded wait for a single attempt; zero means none
}

// DefaultReconnectConfig returns a default reconnection configuration
func DefaultReconnectConfig() *ReconnectConfig {
	return &ReconnectConfig{
		MaxAttempts:    5,
		Backoff:        1 * time.Second,
		Multiplier:     2.0,
		MaxBackoff:     30 * time.Second,
		AttemptTimeout: 0,
	}
}

// ReconnectFunc attempts to reconnect once. attempt counts from 1.
type ReconnectFunc func(ctx context.Context, attempt int) error

// ReconnectError is returned once every attempt has failed
type ReconnectError struct {
	Attempts int
	Last     error
}

func (e *ReconnectError) Error() string {
	return fmt.Sprintf("failed to reconnect after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ReconnectError) Unwrap() error { return e.Last }

// Reconnect attempts to reconnect with exponential backoff
func Reconnect(ctx context.Context, name string, fn ReconnectFunc, config *ReconnectConfig) error {
	if config == nil {
		config = DefaultReconnectConfig()
	}
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	logger := observability.Component("reconnect").With().Str("target", name).Logger()

	backoff := config.Backoff
	var lastErr error

	for attempt := 1; attempt <= config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		attemptCtx, cancel := ctx, context.CancelFunc(func() {})
		if config.AttemptTimeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, config.AttemptTimeout)
		}
		err := fn(attemptCtx, attempt)
		cancel()

		if err == nil {
			logger.Info().Int("attempt", attempt).Msg("Reconnection successful")
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts {
			break
		}

		logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Int("max_attempts", config.MaxAttempts).
			Dur("backoff", backoff).
			Msg("Reconnection attempt failed, retrying")

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = time.Duration(float64(backoff) * config.Multiplier)
		if backoff > config.MaxBackoff {
			backoff = config.MaxBackoff
		}
	}

	return &ReconnectError{Attempts: config.MaxAttempts, Last: lastErr}
}
