package maintenance

import (
	"context"
	"time"
)

// RetryConfig controls retry behavior for subprocess-driven repair steps.
type RetryConfig struct {
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	BackoffMultiply float64
}

// DefaultRetryConfig provides sensible defaults for repair operations.
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:     3,
	InitialBackoff:  1 * time.Second,
	MaxBackoff:      30 * time.Second,
	BackoffMultiply: 2.0,
}

// RetryResult indicates the outcome of a retried operation.
type RetryResult struct {
	Success  bool
	Attempts int
	LastErr  error
}

// RetryWithBackoff retries operation with exponential backoff. It retries
// on any error — repair failures are assumed transient (network, lock
// contention, a flaky subprocess run) until proven otherwise by exhausting
// MaxAttempts.
func RetryWithBackoff(ctx context.Context, cfg RetryConfig, operation func(ctx context.Context) error) RetryResult {
	var lastErr error
	backoff := cfg.InitialBackoff

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		err := operation(ctx)
		if err == nil {
			return RetryResult{Success: true, Attempts: attempt}
		}
		lastErr = err

		if attempt < cfg.MaxAttempts {
			select {
			case <-ctx.Done():
				return RetryResult{Success: false, Attempts: attempt, LastErr: ctx.Err()}
			case <-time.After(backoff):
			}
			backoff = time.Duration(float64(backoff) * cfg.BackoffMultiply)
			if backoff > cfg.MaxBackoff {
				backoff = cfg.MaxBackoff
			}
		}
	}

	return RetryResult{Success: false, Attempts: cfg.MaxAttempts, LastErr: lastErr}
}
