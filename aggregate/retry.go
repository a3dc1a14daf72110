package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// DefaultAttempts bounds the read-version-check-write cycles of Retry.
const DefaultAttempts = 10

// Retry runs fn until it does not fail with ErrConcurrentModification, at
// most attempts times. fn must re-read everything it writes. Any other error
// is returned as is; exhausting the attempts yields ErrConflict.
func Retry(ctx context.Context, attempts int, fn func(ctx context.Context) error) error {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 2 * time.Millisecond
	eb.MaxInterval = 50 * time.Millisecond
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(attempts-1)), ctx)

	err := backoff.Retry(func() error {
		err := fn(ctx)
		if err == nil || errors.Is(err, ErrConcurrentModification) {
			return err
		}
		return backoff.Permanent(err)
	}, b)

	if errors.Is(err, ErrConcurrentModification) {
		return fmt.Errorf("%w: gave up after %d attempts", ErrConflict, attempts)
	}
	return err
}
