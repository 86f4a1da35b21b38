package errors

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"tutor/internal/logging"
)

// RetryConfig configures backoff for calls to the model host. MaxAttempts
// counts retries, so a call runs at most MaxAttempts+1 times.
type RetryConfig struct {
	MaxAttempts  int           `mapstructure:"max_attempts" json:"max_attempts" yaml:"max_attempts"`
	BaseDelay    time.Duration `mapstructure:"base_delay" json:"base_delay" yaml:"base_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay" json:"max_delay" yaml:"max_delay"`
	JitterFactor float64       `mapstructure:"jitter_factor" json:"jitter_factor" yaml:"jitter_factor"`
}

// DefaultRetryConfig returns sensible defaults for a model host on the same machine.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseDelay:    500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
		JitterFactor: 0.25,
	}
}

// RetryWithResult runs fn until it succeeds, fails with a non-transient
// error, runs out of attempts or ctx ends.
func RetryWithResult[T any](ctx context.Context, config RetryConfig, fn func(ctx context.Context) (T, error), logger logging.Logger) (T, error) {
	logger = logging.OrNop(logger)
	var zero T

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, fmt.Errorf("context cancelled: %w", err)
		}

		result, err := fn(ctx)
		if err == nil {
			if attempt > 0 {
				logger.Info("Succeeded on attempt %d", attempt+1)
			}
			return result, nil
		}
		if !IsTransient(err) {
			return zero, err
		}
		if attempt >= config.MaxAttempts {
			logger.Warn("Giving up after %d attempts: %v", attempt+1, err)
			return zero, fmt.Errorf("max retries exceeded: %w", err)
		}

		delay := calculateBackoff(attempt, config)
		logger.Debug("Attempt %d failed (%v); retrying in %v", attempt+1, err, delay)
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return zero, fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		}
	}
}

// calculateBackoff doubles BaseDelay per attempt, applies jitter and caps
// the result at MaxDelay.
func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	delay := config.BaseDelay << min(attempt, 20)
	if delay <= 0 || (config.MaxDelay > 0 && delay > config.MaxDelay) {
		delay = config.MaxDelay
	}
	if config.JitterFactor > 0 {
		spread := float64(delay) * config.JitterFactor
		delay += time.Duration((rand.Float64()*2 - 1) * spread)
		if delay < 0 {
			delay = config.BaseDelay
		}
		if config.MaxDelay > 0 && delay > config.MaxDelay {
			delay = config.MaxDelay
		}
	}
	return delay
}
