package retry

import "time"

// BackoffPolicy describes an exponential backoff distribution.
type BackoffPolicy struct {
	Min        time.Duration `json:"min" yaml:"min"`
	Max        time.Duration `json:"max" yaml:"max"`
	Multiplier float64       `json:"multiplier" yaml:"multiplier"`
	// Jitter is the fraction of the base delay added at random. It is
	// clamped below Multiplier-1 so successive delays strictly increase
	// until they reach Max.
	Jitter float64 `json:"jitter" yaml:"jitter"`
}

// Backoff is the mutable state of one BackoffPolicy. It is not safe for
// concurrent use; each owner drives its own instance.
type Backoff struct {
	policy   BackoffPolicy
	base     time.Duration
	attempts int
	random   func() float64
}

// BackoffOption configures a Backoff.
type BackoffOption func(*Backoff)

// WithRandom replaces the jitter source. fn must return values in [0,1).
func WithRandom(fn func() float64) BackoffOption {
	return func(b *Backoff) {
		if fn != nil {
			b.random = fn
		}
	}
}

// NewBackoff creates a Backoff at the policy minimum.
func NewBackoff(policy BackoffPolicy, opts ...BackoffOption) *Backoff {
	if policy.Min <= 0 {
		policy.Min = 100 * time.Millisecond
	}
	if policy.Max < policy.Min {
		policy.Max = policy.Min
	}
	if policy.Multiplier <= 1 {
		policy.Multiplier = 2.0
	}
	if policy.Jitter < 0 {
		policy.Jitter = 0
	}
	if limit := policy.Multiplier - 1; policy.Jitter >= limit {
		policy.Jitter = limit / 2
	}

	b := &Backoff{
		policy: policy,
		base:   policy.Min,
		random: randFloat,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Next returns the delay to wait before the next attempt and advances the
// base delay.
func (b *Backoff) Next() time.Duration {
	base := b.base
	delay := base + time.Duration(b.policy.Jitter*b.random()*float64(base))
	if delay > b.policy.Max {
		delay = b.policy.Max
	}

	next := time.Duration(float64(base) * b.policy.Multiplier)
	if next > b.policy.Max || next <= 0 {
		next = b.policy.Max
	}
	b.base = next
	b.attempts++

	return delay
}

// Current returns the base of the next delay without advancing.
func (b *Backoff) Current() time.Duration {
	return b.base
}

// Attempts returns the number of delays handed out since the last Reset.
func (b *Backoff) Attempts() int {
	return b.attempts
}

// Reset returns the backoff to the policy minimum.
func (b *Backoff) Reset() {
	b.base = b.policy.Min
	b.attempts = 0
}

// Policy returns the effective policy after defaults and clamping.
func (b *Backoff) Policy() BackoffPolicy {
	return b.policy
}
