// Package backoff computes respawn delays and escalation decisions for the
// supervisor. The policy is a pure function of (config, consecutive-failure
// count) — no timers, no clocks — so it can be tested without spawning
// anything.
package backoff

import "time"

// Default policy values used when config leaves them zero.
const (
	DefaultMin         = 1 * time.Second
	DefaultMax         = 60 * time.Second
	DefaultMaxFailures = 5
)

// Policy holds the respawn backoff parameters.
type Policy struct {
	// Min is the delay before the first respawn attempt.
	Min time.Duration

	// Max caps the exponential growth.
	Max time.Duration

	// MaxFailures is the consecutive-failure threshold. Once the counter
	// reaches it, the policy escalates instead of returning a delay.
	MaxFailures int
}

// Decision is the policy's answer for one failure.
type Decision struct {
	// Escalate is true when automatic recovery must stop. Delay is
	// meaningless in that case.
	Escalate bool

	// Delay is how long to wait before the next spawn.
	Delay time.Duration
}

// Normalized returns a copy of the policy with zero fields replaced by
// defaults.
func (p Policy) Normalized() Policy {
	if p.Min <= 0 {
		p.Min = DefaultMin
	}
	if p.Max <= 0 {
		p.Max = DefaultMax
	}
	if p.Max < p.Min {
		p.Max = p.Min
	}
	if p.MaxFailures <= 0 {
		p.MaxFailures = DefaultMaxFailures
	}
	return p
}

// Decide maps the current consecutive-failure count to a decision.
// failures is the count after the exit being handled (1 for the first
// unplanned exit). Escalation fires exactly when failures reaches
// MaxFailures, not before.
func (p Policy) Decide(failures int) Decision {
	p = p.Normalized()
	if failures >= p.MaxFailures {
		return Decision{Escalate: true}
	}
	return Decision{Delay: Delay(p.Min, p.Max, failures-1)}
}

// Delay returns min(max, min * 2^n), where n is the zero-based failure
// index. The doubling is overflow-safe: once the value passes max it is
// clamped and no further shifting happens.
func Delay(min, max time.Duration, n int) time.Duration {
	if min <= 0 {
		min = DefaultMin
	}
	if max < min {
		max = min
	}
	if n < 0 {
		n = 0
	}

	d := min
	for i := 0; i < n; i++ {
		if d >= max {
			return max
		}
		d *= 2
		if d <= 0 { // overflowed
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
