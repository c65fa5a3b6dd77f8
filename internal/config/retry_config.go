package config

import "github.com/ascensum/gen-image-runner/internal/domain"

// GetRetryConfig returns the per-image retry configuration used by the Retry Executor.
func (c Config) GetRetryConfig() domain.RetryConfig {
	base := domain.DefaultRetryConfig()
	return domain.RetryConfig{
		MaxRetries:         c.RetryMaxRetries,
		InitialDelay:       c.RetryInitialDelay,
		MaxDelay:           c.RetryMaxDelay,
		Multiplier:         c.RetryMultiplier,
		Jitter:             c.RetryJitter,
		RetryableErrors:    base.RetryableErrors,
		NonRetryableErrors: base.NonRetryableErrors,
	}
}
