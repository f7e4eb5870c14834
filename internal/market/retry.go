package market

import (
	"context"
	"time"

	"github.com/Sternrassler/eve-market-replica/internal/store"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// RetryConfig bounds the retries of one store-level operation.
type RetryConfig struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.InitialInterval
	b.MaxInterval = c.MaxInterval
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, c.MaxRetries), ctx)
}

// retryBusy runs op until it succeeds, fails with something other than
// store.ErrBusy, or the retries run out.
func retryBusy(ctx context.Context, cfg RetryConfig, logger zerolog.Logger, operation string, op func() error) error {
	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := op()
		if err != nil && !store.IsBusy(err) {
			return backoff.Permanent(err)
		}
		return err
	}, cfg.backOff(ctx), func(err error, next time.Duration) {
		storeRetriesTotal.WithLabelValues(operation).Inc()
		logger.Warn().
			Err(err).
			Str("operation", operation).
			Int("attempt", attempt).
			Dur("next_retry", next).
			Msg("Store busy, retrying")
	})
}
