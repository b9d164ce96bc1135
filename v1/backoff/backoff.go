// Package backoff computes bounded, jittered retry delays.
//
// It is the fallback poll used by lock waiters when release notifications are
// lost or no bus is configured. The policy is exponential growth from Initial
// by Multiplier, capped at Max, with "equal jitter": each delay is drawn from
// [d/2, d).
package backoff

import (
	"math/rand/v2"
	"time"
)

const (
	DefaultInitial    = 50 * time.Millisecond
	DefaultMax        = 3 * time.Second
	DefaultMultiplier = 2.0
	// MinDelay is the smallest delay ever returned.
	MinDelay = 5 * time.Millisecond
)

// Policy describes an exponential backoff.
type Policy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter disables randomisation when false.
	Jitter bool
}

// Default returns the policy used when none is configured.
func Default() Policy {
	return Policy{
		Initial:    DefaultInitial,
		Max:        DefaultMax,
		Multiplier: DefaultMultiplier,
		Jitter:     true,
	}
}

func (p Policy) normalized() Policy {
	if p.Initial <= 0 {
		p.Initial = DefaultInitial
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	return p
}

// Backoff is a stateful iterator over a Policy. It is not safe for concurrent use.
type Backoff struct {
	policy  Policy
	current time.Duration
	limit   time.Duration
}

// New returns a Backoff for p. A positive limit caps every delay further,
// which keeps polling well below an overall wait budget.
func New(p Policy, limit time.Duration) *Backoff {
	p = p.normalized()
	return &Backoff{policy: p, current: p.Initial, limit: limit}
}

// Next returns the next delay and advances the iterator.
func (b *Backoff) Next() time.Duration {
	d := b.current
	if b.limit > 0 && d > b.limit {
		d = b.limit
	}
	next := time.Duration(float64(b.current) * b.policy.Multiplier)
	if next > b.policy.Max {
		next = b.policy.Max
	}
	b.current = next

	if b.policy.Jitter && d > 1 {
		half := d / 2
		d = half + rand.N(d-half)
	}
	if d < MinDelay {
		d = MinDelay
	}
	return d
}

// Reset starts the sequence again from the initial delay.
func (b *Backoff) Reset() {
	b.current = b.policy.Initial
}

// CapFor returns the poll cap used for a wait budget: a quarter of the budget,
// never above max. A non-positive budget means unbounded and returns max.
func CapFor(budget, max time.Duration) time.Duration {
	if budget <= 0 {
		return max
	}
	c := budget / 4
	if c > max {
		c = max
	}
	if c < MinDelay {
		c = MinDelay
	}
	return c
}
