package messaging

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrorClass buckets consumer-boundary failures for the retry/dead-letter
// decision. Transient errors are retried with backoff; data and policy
// errors are dead-lettered on first sight.
type ErrorClass int

const (
	ClassTransient ErrorClass = iota
	ClassData
	ClassPolicy
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassData:
		return "data"
	default:
		return "policy"
	}
}

type classifiedError struct {
	class ErrorClass
	err   error
}

func (e *classifiedError) Error() string { return e.err.Error() }
func (e *classifiedError) Unwrap() error { return e.err }

// Transient marks an error as retryable (timeouts, temporary unavailability).
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassTransient, err: err}
}

// DataError marks an error as a data defect; it must never be retried blindly.
func DataError(err error) error {
	if err == nil {
		return nil
	}
	return &classifiedError{class: ClassData, err: err}
}

// Classify inspects an error's marker. Deadline and cancellation failures are
// transient; unmarked errors are treated as policy/logic defects and
// dead-lettered rather than silently dropped.
func Classify(err error) ErrorClass {
	var ce *classifiedError
	if errors.As(err, &ce) {
		return ce.class
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return ClassTransient
	}
	return ClassPolicy
}

// RetryPolicy controls redelivery of transient failures.
type RetryPolicy struct {
	MaxAttempts    int           `json:"max_attempts" mapstructure:"max_attempts"`
	BaseDelay      time.Duration `json:"base_delay" mapstructure:"base_delay"`
	MaxDelay       time.Duration `json:"max_delay" mapstructure:"max_delay"`
	JitterFraction float64       `json:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// DefaultRetryPolicy returns the standard consumer retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    5,
		BaseDelay:      200 * time.Millisecond,
		MaxDelay:       30 * time.Second,
		JitterFraction: 0.2,
	}
}

// Backoff returns the delay before the given attempt (0-based):
// min(cap, base * 2^attempt) plus proportional jitter.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	d := float64(p.BaseDelay) * math.Pow(2, float64(attempt))
	if capped := float64(p.MaxDelay); d > capped {
		d = capped
	}
	if p.JitterFraction > 0 {
		d += rand.Float64() * p.JitterFraction * d
	}
	return time.Duration(d)
}
