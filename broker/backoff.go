package broker

import (
	"context"
	"time"

	"github.com/askdata/conductor/errors"
)

const (
	// initialBackoff is the first retry delay for broker failures
	initialBackoff = time.Second
	// MaxBackoff caps the retry delay for broker failures
	MaxBackoff = 30 * time.Second
)

// Retry runs op until it succeeds, fails with a non-broker error, or the
// delay would exceed the backoff ceiling. Broker-unavailable errors double
// the delay each attempt, capped at MaxBackoff; the final attempt runs at
// the ceiling before giving up.
func Retry(ctx context.Context, op func() error) error {
	return retryWith(ctx, initialBackoff, MaxBackoff, op)
}

func retryWith(ctx context.Context, initial, max time.Duration, op func() error) error {
	delay := initial
	for {
		err := op()
		if err == nil {
			return nil
		}
		if !errors.IsBrokerUnavailable(err) {
			return err
		}
		if delay > max {
			return errors.Wrap(err, "retry ceiling reached")
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
