// Package backoff computes reconnect delays.
package backoff

import (
	"math"
	"time"
)

// Policy is a capped exponential backoff.
type Policy struct {
	Initial time.Duration
	Max     time.Duration
	Factor  float64
}

// Default returns 1s doubling up to 30s.
func Default() Policy {
	return Policy{
		Initial: time.Second,
		Max:     30 * time.Second,
		Factor:  2,
	}
}

// Delay returns min(Initial * Factor^(attempt-1), Max). Attempts below 1 are
// treated as 1. The result never decreases as attempt grows.
func (p Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.Initial) * math.Pow(factor, float64(attempt-1))
	if p.Max > 0 && (d > float64(p.Max) || math.IsInf(d, 1)) {
		return p.Max
	}
	return time.Duration(d)
}
