package marketdata

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/quantforge/stratpipe/internal/metrics"
)

// RetryConfig configures retry behavior for venue calls.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
}

// DefaultRetryConfig returns the standard retry tuning.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
		BackoffFactor:  2.0,
	}
}

// isRetryable reports whether a venue error is worth another attempt.
func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, fragment := range []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"too many requests",
		"rate limit",
		"-1001", // Binance internal error
		"-1021", // Binance recvWindow
	} {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}

// withRetry executes op with exponential backoff on retryable errors.
func withRetry(ctx context.Context, cfg RetryConfig, log zerolog.Logger, op func() error) error {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("marketdata: cancelled: %w", ctx.Err())
		default:
		}

		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		metrics.RecordVenueError(err)

		if !isRetryable(err) {
			return err
		}
		if attempt == cfg.MaxRetries {
			break
		}

		log.Warn().Err(err).
			Int("attempt", attempt+1).
			Dur("backoff", backoff).
			Msg("Venue call failed, retrying")

		select {
		case <-ctx.Done():
			return fmt.Errorf("marketdata: cancelled: %w", ctx.Err())
		case <-time.After(backoff):
		}

		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
		}
	}
	return fmt.Errorf("marketdata: retries exhausted: %w", lastErr)
}
