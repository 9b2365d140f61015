package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Config holds retry configuration
type Config struct {
	MaxRetries     int           `mapstructure:"max_retries"`     // Retries after the first attempt
	InitialBackoff time.Duration `mapstructure:"initial_backoff"` // First wait
	MaxBackoff     time.Duration `mapstructure:"max_backoff"`     // Cap on a single wait
	Multiplier     float64       `mapstructure:"multiplier"`      // Exponential growth factor
	Jitter         float64       `mapstructure:"jitter"`          // Randomization factor in [0,1)

	// RetryIf decides whether an error is worth another attempt. Nil retries everything.
	RetryIf func(error) bool `mapstructure:"-"`
	// OnRetry is called before each wait
	OnRetry func(err error, wait time.Duration) `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults for retries
func DefaultConfig() Config {
	return Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.2,
		RetryIf:        IsRetryable,
	}
}

func (c Config) backOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	if c.InitialBackoff > 0 {
		b.InitialInterval = c.InitialBackoff
	}
	if c.MaxBackoff > 0 {
		b.MaxInterval = c.MaxBackoff
	}
	if c.Multiplier >= 1 {
		b.Multiplier = c.Multiplier
	}
	b.RandomizationFactor = c.Jitter
	return b
}

// Do executes fn with exponential backoff retries
func Do(ctx context.Context, config Config, fn func() error) error {
	_, err := DoValue(ctx, config, func() (struct{}, error) {
		return struct{}{}, fn()
	})
	return err
}

// DoValue is Do for operations that return a value
func DoValue[T any](ctx context.Context, config Config, fn func() (T, error)) (T, error) {
	permanent := false

	op := func() (T, error) {
		v, err := fn()
		if err != nil && config.RetryIf != nil && !config.RetryIf(err) {
			permanent = true
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(config.backOff()),
		backoff.WithMaxTries(uint(config.MaxRetries + 1)),
	}
	if config.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(backoff.Notify(config.OnRetry)))
	}

	v, err := backoff.Retry(ctx, op, opts...)
	if err == nil {
		return v, nil
	}

	if ctx.Err() != nil {
		return v, fmt.Errorf("retry cancelled: %w", err)
	}
	if permanent {
		return v, err
	}
	return v, fmt.Errorf("max retries (%d) exceeded: %w", config.MaxRetries, err)
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	errStr := strings.ToLower(err.Error())

	retryableErrors := []string{
		"connection refused",
		"connection reset",
		"timeout",
		"temporary failure",
		"503",
		"502",
		"504",
		"eof",
		"broken pipe",
		"no route",
	}

	for _, retryable := range retryableErrors {
		if strings.Contains(errStr, retryable) {
			return true
		}
	}

	return false
}
