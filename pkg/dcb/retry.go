package dcb

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryConfig controls the exponential backoff applied by RetryOnStorage.
type RetryConfig struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsedTime  time.Duration
}

// DefaultRetryConfig returns the retry policy used when none is supplied.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     2 * time.Second,
		MaxElapsedTime:  15 * time.Second,
	}
}

// RetryOnStorage runs op, retrying with exponential backoff while it fails
// with a ResourceError. Validation, concurrency, duplicate and domain errors
// are never retried: they are deterministic outcomes, not transient faults.
func RetryOnStorage(ctx context.Context, cfg RetryConfig, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialInterval
	b.MaxInterval = cfg.MaxInterval
	b.MaxElapsedTime = cfg.MaxElapsedTime

	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsResourceError(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(b, ctx))
}
