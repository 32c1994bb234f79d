package services

import (
	"fmt"
	"time"
)

// ValidationError is a client error: a required field was missing. It never
// touches the rate limiter or the circuit breaker and must not be retried.
type ValidationError struct {
	Field string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("missing required parameter: %s", e.Field)
}

// RateLimitError rejects a submission over quota. Callers must not retry
// before ResetAt.
type RateLimitError struct {
	ResetAt time.Time
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("generation limit reached, try again after %s",
		e.ResetAt.Format(time.RFC3339))
}

// CircuitOpenError rejects a submission while the provider circuit is open.
// Distinct from RateLimitError so clients can message the two differently.
type CircuitOpenError struct {
	Reason     string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	if e.Reason != "" {
		return e.Reason
	}
	return "service temporarily unavailable"
}
