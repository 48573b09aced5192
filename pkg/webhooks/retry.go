package webhooks

import (
	"encoding/json"
	"math"
	"time"
)

// Retry policy bounds
const (
	MinRetryAttempts   = 1
	MaxRetryAttempts   = 20
	MinBackoffMultiple = 1.0
	MaxBackoffMultiple = 10.0
	MinInitialDelay    = time.Millisecond
	MaxInitialDelay    = time.Hour
	MaxRetryDelay      = 24 * time.Hour
)

// RetryPolicy configures exponential backoff for failed deliveries
type RetryPolicy struct {
	MaxAttempts       int
	BackoffMultiplier float64
	InitialDelay      time.Duration
	MaxDelay          time.Duration
}

// DefaultRetryPolicy returns the default retry policy
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		BackoffMultiplier: 2.0,
		InitialDelay:      1 * time.Second,
		MaxDelay:          60 * time.Second,
	}
}

// Validate checks that the policy is internally consistent
func (p RetryPolicy) Validate() error {
	if p.MaxAttempts < MinRetryAttempts || p.MaxAttempts > MaxRetryAttempts {
		return invalid("retry_policy.max_attempts", "must be between %d and %d", MinRetryAttempts, MaxRetryAttempts)
	}
	if math.IsNaN(p.BackoffMultiplier) || p.BackoffMultiplier < MinBackoffMultiple || p.BackoffMultiplier > MaxBackoffMultiple {
		return invalid("retry_policy.backoff_multiplier", "must be between %.0f and %.0f", MinBackoffMultiple, MaxBackoffMultiple)
	}
	if p.InitialDelay < MinInitialDelay || p.InitialDelay > MaxInitialDelay {
		return invalid("retry_policy.initial_delay_ms", "must be between %d and %d", MinInitialDelay.Milliseconds(), MaxInitialDelay.Milliseconds())
	}
	if p.MaxDelay < p.InitialDelay || p.MaxDelay > MaxRetryDelay {
		return invalid("retry_policy.max_delay_ms", "must be at least initial_delay_ms and at most %d", MaxRetryDelay.Milliseconds())
	}
	return nil
}

type retryPolicyJSON struct {
	MaxAttempts       int     `json:"max_attempts"`
	BackoffMultiplier float64 `json:"backoff_multiplier"`
	InitialDelayMs    int64   `json:"initial_delay_ms"`
	MaxDelayMs        int64   `json:"max_delay_ms"`
}

// MarshalJSON renders delays in milliseconds
func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(retryPolicyJSON{
		MaxAttempts:       p.MaxAttempts,
		BackoffMultiplier: p.BackoffMultiplier,
		InitialDelayMs:    p.InitialDelay.Milliseconds(),
		MaxDelayMs:        p.MaxDelay.Milliseconds(),
	})
}

// UnmarshalJSON reads delays in milliseconds
func (p *RetryPolicy) UnmarshalJSON(data []byte) error {
	var aux retryPolicyJSON
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.MaxAttempts = aux.MaxAttempts
	p.BackoffMultiplier = aux.BackoffMultiplier
	p.InitialDelay = time.Duration(aux.InitialDelayMs) * time.Millisecond
	p.MaxDelay = time.Duration(aux.MaxDelayMs) * time.Millisecond
	return nil
}

// Backoff returns the delay before the attempt after the given one:
// initialDelay * multiplier^(attempt-1), clamped to maxDelay.
func Backoff(attempt int, policy RetryPolicy) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.BackoffMultiplier, float64(attempt-1))

	// Cap at max delay
	if math.IsInf(delay, 0) || math.IsNaN(delay) || delay > float64(policy.MaxDelay) {
		return policy.MaxDelay
	}

	return time.Duration(delay)
}
