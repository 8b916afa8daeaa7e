// Package policy classifies stage failures and computes retry backoff.
package policy

import (
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Class is a failure class. It decides what happens to an item after a stage
// fails: backoff-and-retry, retry-at-quota-reset, suspend, or dead-letter.
type Class string

const (
	// Transient covers network errors, 5xx responses, and timeouts.
	// Retried with exponential backoff until the attempt cap.
	Transient Class = "transient"
	// RateLimit is signaled by the external service. Retried at the reset
	// instant without consuming an attempt.
	RateLimit Class = "rate_limit"
	// Validation covers bad input and schema mismatches. Never retried;
	// the item is suspended for manual inspection.
	Validation Class = "validation"
	// Fatal is unrecoverable (e.g. a missing dependency). Dead-lettered
	// immediately.
	Fatal Class = "fatal"
)

// Valid reports whether c is a known failure class.
func (c Class) Valid() bool {
	switch c {
	case Transient, RateLimit, Validation, Fatal:
		return true
	}
	return false
}

// Failure is a typed stage error carrying its class. Stage handlers may
// return one directly; untyped errors are wrapped as Transient by the
// executor. RetryAt is honored for RateLimit failures that carry an
// externally supplied reset hint.
type Failure struct {
	Class   Class
	Reason  string
	RetryAt time.Time
	Err     error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Class, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Class, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// Policy holds the backoff shape and per-class attempt caps. Immutable after
// construction.
type Policy struct {
	Base       time.Duration
	Multiplier float64
	Jitter     float64 // fractional, e.g. 0.2 for ±20%
	Cap        time.Duration

	// MaxAttempts caps retries per class. Classes absent from the map are
	// never retried.
	MaxAttempts map[Class]int
}

// Default returns the reference policy: base 60s, multiplier 2, jitter ±20%,
// cap 1h, three transient attempts.
func Default() Policy {
	return Policy{
		Base:       60 * time.Second,
		Multiplier: 2,
		Jitter:     0.2,
		Cap:        time.Hour,
		MaxAttempts: map[Class]int{
			Transient: 3,
			RateLimit: math.MaxInt,
		},
	}
}

// Delay computes the backoff before attempt number attempt (1-based):
// min(base * multiplier^(attempt-1), cap) * (1 + U(-jitter, +jitter)).
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.Base) * math.Pow(p.Multiplier, float64(attempt-1))
	if capped := float64(p.Cap); d > capped {
		d = capped
	}
	if p.Jitter > 0 {
		d *= 1 + (rand.Float64()*2-1)*p.Jitter //nolint:gosec // jitter doesn't need crypto-strength randomness
	}
	return time.Duration(d)
}

// Exhausted reports whether an item that has already failed attempts times in
// class c has no retry budget left.
func (p Policy) Exhausted(c Class, attempts int) bool {
	max, ok := p.MaxAttempts[c]
	if !ok {
		return true
	}
	return attempts >= max
}
