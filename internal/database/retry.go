package database

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// pingWithRetry pings a backing service until it answers. The server is
// often started alongside its database, which may still be booting.
func pingWithRetry(ctx context.Context, log zerolog.Logger, service string, retries int, ping func(context.Context) error) error {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = 500 * time.Millisecond
	exp.MaxInterval = 5 * time.Second
	exp.MaxElapsedTime = 0

	var policy backoff.BackOff = exp
	if retries >= 0 {
		policy = backoff.WithMaxRetries(exp, uint64(retries))
	}

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return ping(pingCtx)
	}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
		log.Warn().Err(err).
			Str("service", service).
			Int("attempt", attempt).
			Dur("retry_in", wait).
			Msg("Backing service not ready")
	})
}
