package resilience

import (
	"time"

	"github.com/sells-group/ipv-detect/internal/config"
)

// RetryFromConfig builds the retry policy of the model client. Unset
// fields keep the defaults; a zero jitter fraction means no jitter.
func RetryFromConfig(c config.RetryConfig) RetryConfig {
	r := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		r.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		r.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		r.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		r.Multiplier = c.Multiplier
	}
	r.JitterFraction = max(0, c.JitterFraction)
	return r
}

// BreakerFromConfig builds the endpoint breaker settings. ok is false when
// the breaker is disabled by a zero failure threshold.
func BreakerFromConfig(c config.CircuitConfig) (cfg CircuitBreakerConfig, ok bool) {
	if c.FailureThreshold <= 0 {
		return CircuitBreakerConfig{}, false
	}
	cfg = DefaultCircuitBreakerConfig()
	cfg.FailureThreshold = c.FailureThreshold
	if c.ResetTimeoutSecs > 0 {
		cfg.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	return cfg, true
}
