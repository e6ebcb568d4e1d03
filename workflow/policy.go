package workflow

import (
	"errors"
	"math/rand"
	"time"
)

// ErrInvalidRetryPolicy is returned by RetryPolicy.Validate for malformed
// configuration.
var ErrInvalidRetryPolicy = errors.New("invalid retry policy")

// RetryPolicy configures per-node retry behavior on failure (spec §4.4.5),
// adapted from the teacher's graph/policy.go RetryPolicy/computeBackoff.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of execution attempts including the
	// initial one. 1 means no retries.
	MaxAttempts int

	// BaseDelay and MaxDelay bound the exponential backoff between
	// attempts: delay = min(BaseDelay*2^attempt, MaxDelay) + jitter(0,BaseDelay).
	BaseDelay time.Duration
	MaxDelay  time.Duration

	// Retryable decides whether a given error should trigger another
	// attempt. Nil means no errors are retryable.
	Retryable func(error) bool
}

// Validate checks RetryPolicy invariants.
func (rp *RetryPolicy) Validate() error {
	if rp.MaxAttempts < 1 {
		return ErrInvalidRetryPolicy
	}
	if rp.MaxDelay > 0 && rp.BaseDelay > 0 && rp.MaxDelay < rp.BaseDelay {
		return ErrInvalidRetryPolicy
	}
	return nil
}

// computeBackoff returns the delay before the next attempt, using
// exponential backoff with jitter (teacher: graph/policy.go computeBackoff).
func computeBackoff(attempt int, base, maxDelay time.Duration, rng *rand.Rand) time.Duration {
	delay := base * (1 << attempt)
	if maxDelay > 0 && delay > maxDelay {
		delay = maxDelay
	}
	var jitter time.Duration
	if base > 0 {
		if rng != nil {
			jitter = time.Duration(rng.Int63n(int64(base)))
		} else {
			jitter = time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry jitter, not security sensitive
		}
	}
	return delay + jitter
}

// NodePolicy configures execution behavior for a specific node: timeout
// precedence and retry policy (teacher: graph/policy.go NodePolicy,
// graph/timeout.go getNodeTimeout).
type NodePolicy struct {
	Timeout     time.Duration
	RetryPolicy *RetryPolicy
}

// effectiveTimeout resolves per-node policy timeout over the engine
// default, over "unlimited" (teacher: graph/timeout.go getNodeTimeout
// precedence order).
func effectiveTimeout(policy *NodePolicy, def time.Duration) time.Duration {
	if policy != nil && policy.Timeout > 0 {
		return policy.Timeout
	}
	return def
}
