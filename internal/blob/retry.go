package blob

import (
	"context"
	"time"

	"github.com/rkosegi/blobit/internal/segment"
)

// RetryPolicy bounds retries of transient segment store faults.
type RetryPolicy struct {
	Attempts int           // Total attempts, including the first
	Backoff  time.Duration // Delay before the second attempt, doubled after each retry
}

// do calls fn until it succeeds, fails with a non-transient error, or the
// attempts are used up. ctx only interrupts the backoff sleep.
func (p RetryPolicy) do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := p.Backoff

	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil || !segment.IsTransient(err) {
			return err
		}
		if i == attempts-1 {
			break
		}
		if backoff > 0 {
			t := time.NewTimer(backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return err
			}
			backoff *= 2
		}
	}
	return err
}
