package deliver

import (
	"context"
	"errors"
	"time"

	"github.com/clipherd-hq/clipherd-courier/internal/domain"
)

// RetryPolicy bounds transient-failure retries for a single send.
type RetryPolicy struct {
	Attempts int
	Delay    time.Duration
}

// DefaultRetryPolicy retries a send three times with a one second pause.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{Attempts: 3, Delay: time.Second}
}

// run invokes fn up to p.Attempts times. Permanent rejections and context
// cancellation stop the loop early; the last error is returned.
func (p RetryPolicy) run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < p.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.Delay):
			}
		}
		err = fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, domain.ErrDeliveryRejected) {
			return err
		}
	}
	return err
}
