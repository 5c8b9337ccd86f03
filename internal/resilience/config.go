package resilience

import (
	"time"

	"github.com/sells-group/evidence-pipeline/internal/config"
)

// FromCapabilityConfig derives the per-call retry budget and breaker
// settings for the extraction capability.
func FromCapabilityConfig(c config.CapabilityConfig) (RetryConfig, CircuitBreakerConfig) {
	retry := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		retry.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		retry.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		retry.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.JitterFraction >= 0 {
		retry.JitterFraction = c.JitterFraction
	}

	breaker := DefaultCircuitBreakerConfig()
	if c.BreakerFailures > 0 {
		breaker.FailureThreshold = c.BreakerFailures
	}
	if c.BreakerResetSecs > 0 {
		breaker.ResetTimeout = time.Duration(c.BreakerResetSecs) * time.Second
	}
	return retry, breaker
}
