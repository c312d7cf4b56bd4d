// Package checkpoint provides a bounded fixed-delay retry loop that
// distinguishes retryable, throttling, and non-retryable upstream
// checkpoint faults.
package checkpoint

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Config holds the parameters of the retry loop.
type Config struct {
	MaxRetries int
	Backoff    time.Duration
}

// RetryPolicy bounds an operation to at most 1+MaxRetries attempts, fixed
// delay between attempts (not exponential). A single RetryPolicy is
// reused across many Run calls by a processor, so the underlying
// backoff.BackOff is pooled rather than allocated per call.
type RetryPolicy struct {
	cfg Config
	log *logrus.Entry

	boffPool sync.Pool
}

// NewRetryPolicy constructs a policy from cfg. log may be nil, in which
// case the standard logger is used.
func NewRetryPolicy(cfg Config, log *logrus.Entry) *RetryPolicy {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	p := &RetryPolicy{cfg: cfg, log: log}
	p.boffPool = sync.Pool{
		New: func() any {
			return backoff.BackOff(backoff.NewConstantBackOff(cfg.Backoff))
		},
	}
	return p
}

// Run executes op, retrying according to the fault kind returned by op's
// error:
//   - Retryable: retried up to MaxRetries times; propagated on exhaustion.
//   - Throttling: retried the same way; swallowed (returns nil) on
//     exhaustion.
//   - NonRetryable / Unknown: never retried, propagated immediately.
//
// ctx bounds the inter-attempt sleep, so a cancelled context (e.g. on
// shutdown) returns promptly rather than waiting out the full
// MaxRetries*Backoff worst case.
func (p *RetryPolicy) Run(ctx context.Context, op func() error) error {
	boff := p.boffPool.Get().(backoff.BackOff)
	defer func() {
		boff.Reset()
		p.boffPool.Put(boff)
	}()

	attempts := 1 + p.cfg.MaxRetries
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = op()
		if lastErr == nil {
			return nil
		}

		kind := Unknown
		var fault *Fault
		if errors.As(lastErr, &fault) {
			kind = fault.Kind
		}

		if kind != Retryable && kind != Throttling {
			p.log.WithError(lastErr).Error("checkpoint fault is not retryable, propagating")
			return lastErr
		}

		if attempt == attempts {
			if kind == Throttling {
				p.log.WithError(lastErr).Warn("checkpoint throttled, retries exhausted, swallowing")
				return nil
			}
			p.log.WithError(lastErr).Error("checkpoint retries exhausted, propagating")
			return lastErr
		}

		p.log.WithError(lastErr).WithField("attempt", attempt).Debug("checkpoint attempt failed, retrying")
		select {
		case <-time.After(boff.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}
