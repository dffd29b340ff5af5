package storage

import (
	"context"
	"math/rand"
	"time"

	"github.com/agentry/partyline/pkg/metrics"
	"github.com/agentry/partyline/pkg/types"
)

// retryPolicy retries transient busy/locked store errors with exponential
// backoff plus jitter. Non-retryable errors (permission, corruption,
// validation) surface immediately.
type retryPolicy struct {
	base time.Duration
	cap  time.Duration
	max  int
}

func newRetryPolicy(t types.Timings) retryPolicy {
	return retryPolicy{base: t.BusyRetryBase, cap: t.BusyRetryCap, max: t.BusyRetryMax}
}

// Do runs op, sleeping between attempts. The budget is max retries on top of
// the first attempt; after that the last error surfaces to the caller rather
// than being dropped.
func (p retryPolicy) Do(ctx context.Context, op func() error) error {
	delay := p.base
	for attempt := 0; ; attempt++ {
		err := op()
		if err == nil || !IsRetryable(err) || attempt >= p.max {
			return err
		}
		metrics.RecordStoreRetry()

		// half fixed, half jitter, so herds of writers spread out
		d := delay/2 + time.Duration(rand.Int63n(int64(delay/2)+1))
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return ctx.Err()
		}

		delay *= 2
		if delay > p.cap {
			delay = p.cap
		}
	}
}
