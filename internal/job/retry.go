package job

import (
	"fmt"
	"time"
)

// Backoff selects how the delay between attempts grows.
type Backoff string

const (
	BackoffNone        Backoff = "none"
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// ParseBackoff maps a manifest string onto the closed Backoff enum.
func ParseBackoff(s string) (Backoff, error) {
	switch Backoff(s) {
	case BackoffNone, BackoffFixed, BackoffExponential:
		return Backoff(s), nil
	case "":
		return BackoffNone, nil
	default:
		return "", fmt.Errorf("invalid backoff %q: must be none, fixed or exponential", s)
	}
}

// RetryPolicy is the retry contract attached to a job type and optionally
// overridden per step. It is immutable once built. The delay between
// attempts is honored by the engine scheduling the re-attempt, never by
// blocking the executor.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     Backoff
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// SingleAttempt is the policy for jobs that must not be retried.
func SingleAttempt() RetryPolicy {
	return RetryPolicy{MaxAttempts: 1, Backoff: BackoffNone}
}

// Validate checks the structural invariants of the policy.
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	switch p.Backoff {
	case BackoffNone, BackoffFixed, BackoffExponential:
	default:
		return fmt.Errorf("invalid backoff %q", p.Backoff)
	}
	if p.BaseDelay < 0 || p.MaxDelay < 0 {
		return fmt.Errorf("retry delays must not be negative")
	}
	return nil
}

// Delay returns the wait before the attempt following the given failed
// attempt (1-based). Fixed policies wait BaseDelay each time; exponential
// policies wait BaseDelay*2^(attempt-1) capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	switch p.Backoff {
	case BackoffFixed:
		return p.BaseDelay
	case BackoffExponential:
		d := p.BaseDelay
		for i := 1; i < attempt; i++ {
			d *= 2
			if p.MaxDelay > 0 && d >= p.MaxDelay {
				return p.MaxDelay
			}
		}
		if p.MaxDelay > 0 && d > p.MaxDelay {
			return p.MaxDelay
		}
		return d
	default:
		return 0
	}
}
