// Package retry schedules bounded exponential retries of distribution attempts.
package retry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds a retry sequence. Attempt n (1-based) waits
// BaseDelay * 2^(n-1) before running again.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Jitter     float64
}

// DefaultPolicy mirrors the production defaults: two retries after 2s and 4s.
func DefaultPolicy() Policy {
	return Policy{MaxRetries: 2, BaseDelay: 2 * time.Second, MaxDelay: time.Minute}
}

// Validate ensures the policy can drive a backoff.
func (p Policy) Validate() error {
	if p.MaxRetries < 0 {
		return fmt.Errorf("retry: max retries must not be negative")
	}
	if p.BaseDelay <= 0 {
		return fmt.Errorf("retry: base delay must be positive")
	}
	if p.Jitter < 0 || p.Jitter >= 1 {
		return fmt.Errorf("retry: jitter must be within [0,1)")
	}
	return nil
}

// Operation runs one attempt. attempt starts at 1.
type Operation func(ctx context.Context, attempt int) error

// Notify observes a failed attempt before the scheduler waits next.
type Notify func(attempt int, err error, next time.Duration)

// Scheduler runs operations under a Policy.
type Scheduler struct {
	policy   Policy
	newTimer func() backoff.Timer
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithTimer injects the timer used between attempts.
func WithTimer(factory func() backoff.Timer) Option {
	return func(s *Scheduler) {
		if factory != nil {
			s.newTimer = factory
		}
	}
}

// NewScheduler validates policy and returns a scheduler.
func NewScheduler(policy Policy, opts ...Option) (*Scheduler, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = time.Minute
	}
	s := &Scheduler{policy: policy}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Policy returns the configured policy.
func (s *Scheduler) Policy() Policy { return s.policy }

// Permanent marks err as not retryable. Do returns the unwrapped error.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var permanent *backoff.PermanentError
	return errors.As(err, &permanent)
}

// Do runs op until it succeeds, returns a permanent error, exhausts the retry
// budget or ctx is done. It returns the number of attempts made together with
// the last error.
func (s *Scheduler) Do(ctx context.Context, op Operation, notify Notify) (int, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.policy.BaseDelay
	b.Multiplier = 2
	b.RandomizationFactor = s.policy.Jitter
	b.MaxInterval = s.policy.MaxDelay
	b.MaxElapsedTime = 0
	b.Reset()

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(s.policy.MaxRetries)), ctx)

	attempts := 0
	operation := func() error {
		attempts++
		return op(ctx, attempts)
	}
	var onRetry backoff.Notify
	if notify != nil {
		onRetry = func(err error, next time.Duration) {
			notify(attempts, err, next)
		}
	}
	var timer backoff.Timer
	if s.newTimer != nil {
		timer = s.newTimer()
	}
	err := backoff.RetryNotifyWithTimer(operation, policy, onRetry, timer)
	return attempts, err
}
