package propagate

import (
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy bounds how a lane retries Retryable sink results.
type RetryPolicy struct {
	Base        time.Duration
	Cap         time.Duration
	Factor      float64
	MaxAttempts int
}

// DefaultRetryPolicy is used for zero fields of a configured policy.
var DefaultRetryPolicy = RetryPolicy{
	Base:        200 * time.Millisecond,
	Cap:         30 * time.Second,
	Factor:      2,
	MaxAttempts: 5,
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Base <= 0 {
		p.Base = DefaultRetryPolicy.Base
	}
	if p.Cap <= 0 {
		p.Cap = DefaultRetryPolicy.Cap
	}
	if p.Factor < 1 {
		p.Factor = DefaultRetryPolicy.Factor
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultRetryPolicy.MaxAttempts
	}
	return p
}

// Backoff returns the delay before the next attempt after `attempts` failed
// ones: base*factor^(attempts-1) capped at Cap, with the upper half jittered.
func (p RetryPolicy) Backoff(attempts int) time.Duration {
	p = p.withDefaults()
	if attempts < 1 {
		attempts = 1
	}
	d := float64(p.Base) * math.Pow(p.Factor, float64(attempts-1))
	if d > float64(p.Cap) || math.IsInf(d, 0) {
		d = float64(p.Cap)
	}
	half := int64(d / 2)
	if half <= 0 {
		return time.Duration(d)
	}
	return time.Duration(half + rand.Int64N(half+1))
}
