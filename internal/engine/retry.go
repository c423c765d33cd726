package engine

import (
	"fmt"
	"time"
)

// Backoff strategies.
const (
	BackoffExponential = "exponential"
	BackoffLinear      = "linear"
	BackoffConstant    = "constant"
)

// BackoffPolicy computes the delay before a retry.
type BackoffPolicy struct {
	Strategy string
	Base     time.Duration
	Max      time.Duration
	Floor    time.Duration
}

// DefaultBackoffPolicy is min(2^attempt, 10) seconds.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{Strategy: BackoffExponential, Base: time.Second, Max: 10 * time.Second}
}

// Validate rejects unknown strategies and inverted bounds.
func (p BackoffPolicy) Validate() error {
	switch p.Strategy {
	case "", BackoffExponential, BackoffLinear, BackoffConstant:
	default:
		return fmt.Errorf("unknown backoff strategy %q", p.Strategy)
	}
	if p.Base < 0 || p.Max < 0 || p.Floor < 0 {
		return fmt.Errorf("backoff durations must not be negative")
	}
	if p.Max > 0 && p.Floor > p.Max {
		return fmt.Errorf("backoff floor %s exceeds max %s", p.Floor, p.Max)
	}
	return nil
}

// Delay returns the wait after the given failed attempt (1-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	var d time.Duration
	switch p.Strategy {
	case BackoffLinear:
		d = p.Base * time.Duration(attempt)
	case BackoffConstant:
		d = p.Base
	default:
		d = p.Base
		for i := 0; i < attempt; i++ {
			d *= 2
			if p.Max > 0 && d >= p.Max {
				break
			}
		}
	}
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}
	if d < p.Floor {
		d = p.Floor
	}
	return d
}
