// Package domain defines retry and cooldown entities for resilient per-image processing.
package domain

import (
	"strings"
	"time"
)

// RetryStatus represents the retry state of a generated image.
type RetryStatus string

const (
	RetryStatusNone      RetryStatus = "none"
	RetryStatusRetrying  RetryStatus = "retrying"
	RetryStatusExhausted RetryStatus = "exhausted"
	RetryStatusDLQ       RetryStatus = "dlq"
)

// RetryConfig defines retry behavior for per-image post-processing.
type RetryConfig struct {
	MaxRetries         int
	InitialDelay       time.Duration
	MaxDelay           time.Duration
	Multiplier         float64
	Jitter             bool
	RetryableErrors    []string
	NonRetryableErrors []string
}

// DefaultRetryConfig returns a sensible default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []string{
			"context deadline exceeded",
			"connection refused",
			"timeout",
			"temporary failure",
			"rate limited",
			"upstream timeout",
			"upstream rate limit",
		},
		NonRetryableErrors: []string{
			"invalid argument",
			"not found",
			"conflict",
			"schema invalid",
			"qc input path is missing",
		},
	}
}

// RetryInfo tracks retry attempts for a single generated image.
type RetryInfo struct {
	AttemptCount  int
	MaxAttempts   int
	LastAttemptAt time.Time
	NextRetryAt   time.Time
	RetryStatus   RetryStatus
	LastError     string
	ErrorHistory  []string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShouldRetry determines if an image should be retried based on the error and retry config.
func (ri *RetryInfo) ShouldRetry(err error, config RetryConfig) bool {
	if ri.AttemptCount >= config.MaxRetries {
		return false
	}
	if ri.RetryStatus == RetryStatusDLQ {
		return false
	}

	errorStr := strings.ToLower(err.Error())
	for _, retryableErr := range config.RetryableErrors {
		if strings.Contains(errorStr, retryableErr) {
			return true
		}
	}
	for _, nonRetryableErr := range config.NonRetryableErrors {
		if strings.Contains(errorStr, nonRetryableErr) {
			return false
		}
	}
	return true
}

// CalculateNextRetryDelay calculates the delay for the next retry attempt.
func (ri *RetryInfo) CalculateNextRetryDelay(config RetryConfig) time.Duration {
	delay := time.Duration(float64(config.InitialDelay) * pow(config.Multiplier, float64(ri.AttemptCount)))
	if delay > config.MaxDelay {
		delay = config.MaxDelay
	}
	if config.Jitter {
		jitter := time.Duration(float64(delay) * 0.1)
		delay += jitter
	}
	return delay
}

// UpdateRetryAttempt updates the retry info after an attempt.
func (ri *RetryInfo) UpdateRetryAttempt(err error) {
	ri.AttemptCount++
	ri.LastAttemptAt = time.Now()
	ri.UpdatedAt = time.Now()
	if err != nil {
		ri.LastError = err.Error()
		ri.ErrorHistory = append(ri.ErrorHistory, err.Error())
	}
}

// MarkAsExhausted marks the retry info as exhausted.
func (ri *RetryInfo) MarkAsExhausted() {
	ri.RetryStatus = RetryStatusExhausted
	ri.UpdatedAt = time.Now()
}

// MarkAsDLQ marks the retry info as parked in cooldown (upstream rate-limit/timeout).
func (ri *RetryInfo) MarkAsDLQ() {
	ri.RetryStatus = RetryStatusDLQ
	ri.UpdatedAt = time.Now()
}

// MarkAsRetrying marks the retry info as currently retrying.
func (ri *RetryInfo) MarkAsRetrying() {
	ri.RetryStatus = RetryStatusRetrying
	ri.UpdatedAt = time.Now()
}

// RetryTaskPayload is the per-image unit of work enqueued to the Retry Executor's
// FIFO queue (see internal/retryexec), one task per failed GeneratedImage.
type RetryTaskPayload struct {
	JobExecutionID string
	ImageID        string
	MappingID      string
}

// CooldownItem represents an image parked with a cooldown before requeue,
// used when the classified failure is an upstream rate-limit or timeout.
type CooldownItem struct {
	Payload       RetryTaskPayload
	RetryInfo     RetryInfo
	FailureReason string
	ParkedAt      time.Time
}

func pow(base, exp float64) float64 {
	result := 1.0
	for i := 0; i < int(exp); i++ {
		result *= base
	}
	return result
}
