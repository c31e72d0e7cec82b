package ai

import (
	"errors"
	"fmt"
	"time"
)

// ProviderError is a generic upstream provider failure. It fails the current
// work item; it is not retried within the same tick.
type ProviderError struct {
	Message    string
	Status     int
	Code       string
	RetryAfter time.Duration
}

func (e *ProviderError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s (status %d)", e.Message, e.Status)
	}
	return e.Message
}

// RateLimitError marks a retryable rate-limit failure: the runner moves on to
// the next provider candidate instead of failing the item.
type RateLimitError struct {
	ProviderError
}

// NewProviderError builds a generic provider failure
func NewProviderError(status int, format string, args ...any) *ProviderError {
	return &ProviderError{Message: fmt.Sprintf(format, args...), Status: status}
}

// NewRateLimitError builds a retryable rate-limit failure
func NewRateLimitError(status int, retryAfter time.Duration, format string, args ...any) *RateLimitError {
	return &RateLimitError{ProviderError: ProviderError{
		Message:    fmt.Sprintf(format, args...),
		Status:     status,
		Code:       "rate_limited",
		RetryAfter: retryAfter,
	}}
}

// IsRateLimit reports whether an error signals a provider rate limit, either
// as an explicit RateLimitError or a ProviderError with HTTP 429.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	if errors.As(err, &rle) {
		return true
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Code == "rate_limited" || pe.Status == 429
	}
	return false
}

// ConfigError means no usable provider could be resolved for a harness.
// It is fatal to the item and never retried by the router.
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}
