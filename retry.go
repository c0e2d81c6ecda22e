package stepflow

import (
	"time"

	"github.com/mkarren/stepflow/pkg/api"
)

// RetryBuilder provides a fluent way to construct RetryPolicy values for
// use with WorkflowBuilder.Retry.
type RetryBuilder struct {
	policy RetryPolicy
}

// Retry creates a RetryBuilder with the given maxAttempts.
//
// maxAttempts <= 0 is treated as 1 (no retries).
func Retry(maxAttempts int) RetryBuilder {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return RetryBuilder{
		policy: RetryPolicy{
			MaxAttempts: maxAttempts,
			Strategy:    api.RetryNone,
		},
	}
}

// WithExponentialBackoff configures exponential backoff:
//
//   - base is the delay before the first retry.
//   - multiplier > 1 grows the delay each attempt (default 2.0 if <= 0).
//   - max caps the delay; if <= 0, the default cap applies.
//
// Example:
//
//	Retry(3).WithExponentialBackoff(time.Second, 2.0, time.Minute)
func (r RetryBuilder) WithExponentialBackoff(base time.Duration, multiplier float64, max time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = api.RetryExponential
	p.BaseDelaySeconds = base.Seconds()
	p.MaxDelaySeconds = max.Seconds()
	if multiplier <= 0 {
		multiplier = 2.0
	}
	p.Multiplier = multiplier
	return RetryBuilder{policy: p}
}

// WithLinearBackoff grows the delay by 'base' each attempt.
func (r RetryBuilder) WithLinearBackoff(base time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = api.RetryLinear
	p.BaseDelaySeconds = base.Seconds()
	return RetryBuilder{policy: p}
}

// WithFixedDelay waits the same delay between every attempt.
func (r RetryBuilder) WithFixedDelay(delay time.Duration) RetryBuilder {
	p := r.policy
	p.Strategy = api.RetryFixed
	p.BaseDelaySeconds = delay.Seconds()
	return RetryBuilder{policy: p}
}

// WithJitter spreads each delay by +/-10% to avoid thundering herds.
func (r RetryBuilder) WithJitter() RetryBuilder {
	p := r.policy
	p.Jitter = true
	return RetryBuilder{policy: p}
}

// Immediate disables any sleep between retries.
// Retries still respect MaxAttempts.
func (r RetryBuilder) Immediate() RetryBuilder {
	p := r.policy
	p.Strategy = api.RetryNone
	p.BaseDelaySeconds = 0
	p.MaxDelaySeconds = 0
	p.Multiplier = 0
	p.Jitter = false
	return RetryBuilder{policy: p}
}

// Policy returns the underlying RetryPolicy to be passed to
// WorkflowBuilder.Retry.
func (r RetryBuilder) Policy() RetryPolicy {
	return r.policy
}
