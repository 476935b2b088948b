// Package retry decides what happens to a job after a failed attempt.
package retry

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"taskbeat/internal/job"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 3 * time.Second
	DefaultMaxDelay    = 5 * time.Minute
	DefaultJitter      = 0.2
)

// Policy is an exponential backoff with a hard attempt limit.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      float64 // 0.2 = +/-20%
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: DefaultMaxAttempts,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Jitter:      DefaultJitter,
	}
}

// WithDefaults fills zero fields. A negative Jitter disables jitter.
func (p Policy) WithDefaults() Policy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = p.BaseDelay
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
	if p.Jitter > 1 {
		p.Jitter = 1
	}
	return p
}

type Action int

const (
	Retry Action = iota + 1
	Abandon
)

func (a Action) String() string {
	switch a {
	case Retry:
		return "retry"
	case Abandon:
		return "abandon"
	default:
		return fmt.Sprintf("action(%d)", int(a))
	}
}

// Decision is the outcome of Decide. Delay is set for Retry, Reason for
// Abandon.
type Decision struct {
	Action Action
	Delay  time.Duration
	Reason string
}

// MaxAttemptsFor returns the attempt limit for j: its own max_attempts when
// set, the policy's otherwise.
func (p Policy) MaxAttemptsFor(j job.Job) int {
	if j.MaxAttempts > 0 {
		return j.MaxAttempts
	}
	return p.WithDefaults().MaxAttempts
}

// Exhausted reports whether j has used all of its attempts.
func (p Policy) Exhausted(j job.Job) bool {
	return j.AttemptCount >= p.MaxAttemptsFor(j)
}

// Decide classifies the failure err of j's latest attempt. j.AttemptCount
// must already include that attempt. rng may be nil to disable jitter.
func (p Policy) Decide(j job.Job, err error, rng *rand.Rand) Decision {
	p = p.WithDefaults()
	if job.IsPermanent(err) {
		return Decision{Action: Abandon, Reason: "permanent error"}
	}
	if limit := p.MaxAttemptsFor(j); j.AttemptCount >= limit {
		return Decision{Action: Abandon, Reason: fmt.Sprintf("max attempts reached (%d)", limit)}
	}
	return Decision{Action: Retry, Delay: p.delay(j.AttemptCount, err, rng)}
}

func (p Policy) delay(attempt int, err error, rng *rand.Rand) time.Duration {
	var ra job.RetryAfterError
	if err != nil && errors.As(err, &ra) {
		return p.jitter(min(ra.RetryAfter(), p.MaxDelay), rng)
	}
	return p.jitter(p.Backoff(attempt), rng)
}

// Backoff returns BaseDelay * 2^(attempt-1) capped at MaxDelay, without
// jitter.
func (p Policy) Backoff(attempt int) time.Duration {
	p = p.WithDefaults()
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > p.MaxDelay {
			return p.MaxDelay
		}
	}
	return min(d, p.MaxDelay)
}

func (p Policy) jitter(d time.Duration, rng *rand.Rand) time.Duration {
	if p.Jitter > 0 && d > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	if d < 0 {
		d = 0
	}
	return min(d, p.MaxDelay)
}
