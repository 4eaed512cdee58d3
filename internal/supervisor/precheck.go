package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/nodesync/internal/syncerr"
)

// PingFunc checks that the database behind connString accepts connections
type PingFunc func(ctx context.Context, connString string) error

// precheckBackOff doubles the delay after every failed attempt
func precheckBackOff(base time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = 32 * base
	return b
}

// precheck pings the database up to attempts times. Configuration errors end
// the loop at once; connectivity errors are retried after an exponential delay.
func precheck(ctx context.Context, connString string, attempts int, base time.Duration, ping PingFunc) error {
	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := ping(ctx, connString)
		if err == nil {
			return struct{}{}, nil
		}
		if syncerr.IsKind(err, syncerr.KindConfiguration) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(precheckBackOff(base)),
		backoff.WithMaxTries(uint(attempts)), //nolint:gosec // attempts is validated positive
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Database precheck failed, retrying",
				"attempt", attempt,
				"max_attempts", attempts,
				"next_delay", next,
				"error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("database precheck failed after %d attempt(s): %w", attempt, err)
	}
	slog.Info("Database precheck passed", "attempts", attempt)
	return nil
}
