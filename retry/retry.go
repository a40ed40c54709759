package retry

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Options configures Do.
type Options struct {
	MaxRetries  int
	BaseWait    time.Duration
	MaxWait     time.Duration
	BackoffRate float64
	Jitter      bool
}

type Option func(*Options)

func WithMaxRetries(n int) Option {
	return func(o *Options) {
		o.MaxRetries = n
	}
}

func WithBaseWait(d time.Duration) Option {
	return func(o *Options) {
		o.BaseWait = d
	}
}

func WithMaxWait(d time.Duration) Option {
	return func(o *Options) {
		o.MaxWait = d
	}
}

func WithBackoffRate(rate float64) Option {
	return func(o *Options) {
		o.BackoffRate = rate
	}
}

// WithJitter draws each wait uniformly from [0, wait).
func WithJitter(enabled bool) Option {
	return func(o *Options) {
		o.Jitter = enabled
	}
}

// Do calls fn until it succeeds, returns an error that is not retryable,
// or MaxRetries retries have been made. The last error is returned as is.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := Options{
		MaxRetries:  3,
		BaseWait:    100 * time.Millisecond,
		MaxWait:     10 * time.Second,
		BackoffRate: 2,
	}
	for _, opt := range opts {
		opt(&o)
	}

	var err error
	for attempt := 0; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt >= o.MaxRetries || !IsRetryable(err) {
			return err
		}
		timer := time.NewTimer(o.wait(attempt))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (o Options) wait(attempt int) time.Duration {
	rate := o.BackoffRate
	if rate < 1 {
		rate = 1
	}
	wait := time.Duration(float64(o.BaseWait) * math.Pow(rate, float64(attempt)))
	if o.MaxWait > 0 && (wait > o.MaxWait || wait < 0) {
		wait = o.MaxWait
	}
	if o.Jitter && wait > 0 {
		wait = time.Duration(rand.Int64N(int64(wait)))
	}
	return wait
}
