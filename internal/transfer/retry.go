package transfer

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/openmined/visitsync/internal/remote"
)

// maxRetryAfter bounds how long a server may park a worker
const maxRetryAfter = 2 * time.Minute

// RetryPolicy is exponential: min(MaxDelay, BaseDelay * 2^attempt)
type RetryPolicy struct {
	Attempts  int // total attempts including the first
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

func (p RetryPolicy) backOff() *retryAfterBackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = p.BaseDelay
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = p.MaxDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := uint64(max(p.Attempts, 1) - 1)
	return &retryAfterBackOff{BackOff: backoff.WithMaxRetries(exp, retries)}
}

// retryAfterBackOff stretches the next delay to a server supplied Retry-After
type retryAfterBackOff struct {
	backoff.BackOff
	hint time.Duration
}

func (b *retryAfterBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if b.hint > d {
		d = min(b.hint, maxRetryAfter)
	}
	b.hint = 0
	return d
}

// Do runs op until it succeeds, fails with a non retryable error, or runs out of attempts.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, op func(ctx context.Context) error, notify func(err error, wait time.Duration)) (int, error) {
	b := p.backOff()
	attempts := 0

	err := backoff.RetryNotify(func() error {
		attempts++
		err := op(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !remote.IsRetryable(err) {
			return backoff.Permanent(err)
		}
		b.hint = remote.RetryAfter(err)
		return err
	}, backoff.WithContext(b, ctx), func(err error, wait time.Duration) {
		if notify != nil {
			notify(err, wait)
		}
	})
	return attempts, err
}
