package domain

import (
	"fmt"
	"math"
	"time"
)

// Backoff computes how long a failed job waits before it is claimable again.
type Backoff interface {
	// Delay returns the wait before retry n (1-indexed: n=1 follows the
	// first failed attempt).
	Delay(n int) time.Duration
}

// Immediate makes failed jobs claimable by the next ProcessJobs call.
type Immediate struct{}

func (Immediate) Delay(int) time.Duration { return 0 }

// ConstantBackoff always waits the same interval.
type ConstantBackoff struct {
	Interval time.Duration
}

func (c ConstantBackoff) Delay(int) time.Duration { return c.Interval }

// ExponentialBackoff doubles the wait each retry.
// Delay = min(Initial * 2^(n-1), Max).
type ExponentialBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (e ExponentialBackoff) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	d := time.Duration(float64(e.Initial) * math.Pow(2, float64(n-1)))
	if e.Max > 0 && (d > e.Max || d < 0) {
		return e.Max
	}
	return d
}

// ParseBackoff builds a strategy from its config name.
func ParseBackoff(name string, initial, max time.Duration) (Backoff, error) {
	switch name {
	case "", "immediate":
		return Immediate{}, nil
	case "constant":
		return ConstantBackoff{Interval: initial}, nil
	case "exponential":
		return ExponentialBackoff{Initial: initial, Max: max}, nil
	default:
		return nil, fmt.Errorf("unknown backoff strategy %q", name)
	}
}
