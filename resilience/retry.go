package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"github.com/cockroachdb/errors"
)

// RetryConfig controls Retry.
type RetryConfig struct {
	// MaxRetries is the number of attempts made after the first one
	MaxRetries int

	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64

	// Jitter spreads each backoff by up to ten percent either way
	Jitter bool

	// RetryableErrors decides whether err is worth another attempt
	RetryableErrors func(err error) bool
}

// DefaultRetryConfig is tuned for dialing a backend: three attempts spread
// over roughly a second.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:        2,
		InitialBackoff:    250 * time.Millisecond,
		MaxBackoff:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries anything except an open breaker and a
// cancelled or expired context.
func DefaultRetryableErrors(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrCircuitBreakerOpen), errors.Is(err, ErrCircuitBreakerTimeout):
		return false
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

// Retry calls fn until it succeeds, returns a non-retryable error, runs out of
// attempts or ctx is done. The last error from fn is returned.
func Retry(ctx context.Context, config RetryConfig, fn func() error) error {
	retryable := config.RetryableErrors
	if retryable == nil {
		retryable = DefaultRetryableErrors
	}

	var err error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !retryable(err) || attempt == config.MaxRetries {
			break
		}
		timer := time.NewTimer(calculateBackoff(attempt, config))
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.CombineErrors(ctx.Err(), err)
		case <-timer.C:
		}
	}
	return err
}

// RetryWithCircuitBreaker runs each attempt through cb. Once the breaker opens
// the remaining attempts are abandoned.
func RetryWithCircuitBreaker(ctx context.Context, config RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		return cb.Execute(ctx, fn)
	})
}

func calculateBackoff(attempt int, config RetryConfig) time.Duration {
	backoff := float64(config.InitialBackoff) * math.Pow(config.BackoffMultiplier, float64(attempt))
	if limit := float64(config.MaxBackoff); config.MaxBackoff > 0 && backoff > limit {
		backoff = limit
	}
	if config.Jitter {
		backoff += backoff * 0.1 * (rand.Float64()*2 - 1)
	}
	return time.Duration(backoff)
}
