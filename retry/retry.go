package retry

import (
	"context"
	"math/rand"
	"time"
)

type options struct {
	maxRetries int
	baseWait   time.Duration
	maxWait    time.Duration
}

// Option configures a retry loop.
type Option func(*options)

// WithMaxRetries sets how many times a failed call is retried. The call is
// always attempted at least once.
func WithMaxRetries(n int) Option {
	return func(o *options) { o.maxRetries = n }
}

// WithBaseWait sets the wait before the first retry. Each subsequent retry
// doubles the wait.
func WithBaseWait(d time.Duration) Option {
	return func(o *options) { o.baseWait = d }
}

// WithMaxWait caps the wait between retries.
func WithMaxWait(d time.Duration) Option {
	return func(o *options) { o.maxWait = d }
}

// Do calls fn, retrying recoverable failures with jittered exponential
// backoff. Non-recoverable errors return immediately. The last error is
// returned when retries are exhausted or the context is cancelled.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := options{
		maxRetries: 3,
		baseWait:   time.Second,
		maxWait:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	wait := o.baseWait
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !IsRecoverable(err) || attempt >= o.maxRetries {
			return err
		}
		jittered := wait/2 + time.Duration(rand.Int63n(int64(wait/2)+1))
		select {
		case <-ctx.Done():
			return err
		case <-time.After(jittered):
		}
		wait *= 2
		if wait > o.maxWait {
			wait = o.maxWait
		}
	}
}
