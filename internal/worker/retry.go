package worker

import (
	"math"
	"time"

	"fieldsync/internal/config"
	"fieldsync/internal/models"
)

// RetryPolicy defines exponential backoff parameters.
type RetryPolicy struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
}

// PolicyFromConfig reads the retry section of the sync config.
func PolicyFromConfig(cfg config.SyncConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:   cfg.MaxAttempts,
		BaseDelay:     cfg.BaseDelay,
		MaxDelay:      cfg.MaxDelay,
		BackoffFactor: cfg.BackoffFactor,
	}.withDefaults()
}

func (r RetryPolicy) withDefaults() RetryPolicy {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = models.DefaultMaxAttempts
	}
	if r.BaseDelay <= 0 {
		r.BaseDelay = 2 * time.Second
	}
	if r.MaxDelay <= 0 {
		r.MaxDelay = time.Minute
	}
	if r.BackoffFactor <= 0 {
		r.BackoffFactor = 2
	}
	return r
}

// Delay returns base * factor^retryCount, clamped to MaxDelay.
func (r RetryPolicy) Delay(retryCount int) time.Duration {
	r = r.withDefaults()
	if retryCount < 0 {
		retryCount = 0
	}

	delay := float64(r.BaseDelay) * math.Pow(r.BackoffFactor, float64(retryCount))
	if delay > float64(r.MaxDelay) || math.IsInf(delay, 0) {
		return r.MaxDelay
	}
	d := time.Duration(delay)
	if d <= 0 {
		d = r.BaseDelay
	}
	return d
}

// ShouldRetry reports whether an item that has failed retryCount times
// gets another attempt.
func (r RetryPolicy) ShouldRetry(retryCount int) bool {
	return retryCount < r.withDefaults().MaxAttempts
}
