package lock

import (
	"context"
	"math/rand"
	"time"
)

// RetryPolicy bounds the ticket allocation loop and paces watch reopening.
// MaxAttempts <= 0 retries without bound.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy is used when no policy is configured.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts: 128,
	BaseDelay:   time.Millisecond,
	MaxDelay:    100 * time.Millisecond,
}

func (p RetryPolicy) exhausted(attempt int) bool {
	return p.MaxAttempts > 0 && attempt >= p.MaxAttempts
}

// delay returns a full-jitter exponential backoff for the given attempt.
func (p RetryPolicy) delay(attempt int) time.Duration {
	if p.BaseDelay <= 0 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt && d < p.MaxDelay; i++ {
		d *= 2
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		d = p.MaxDelay
	}
	return d/2 + time.Duration(rand.Int63n(int64(d/2)+1))
}

// sleep waits for the attempt's backoff or until ctx ends.
func (p RetryPolicy) sleep(ctx context.Context, attempt int) error {
	d := p.delay(attempt)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
