// SPDX-License-Identifier: Apache-2.0
// Package resilience provides the retry, timeout, and circuit breaker
// patterns used around the reasoning collaborator.
package resilience

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/squadron-ops/squadron/pkg/errors"
)

// RetryConfig controls retry behavior with exponential backoff.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (must be >= 1).
	MaxAttempts int

	// InitialDelay is the initial backoff delay.
	InitialDelay time.Duration

	// MaxDelay caps the exponential backoff delay.
	MaxDelay time.Duration

	// Multiplier for exponential backoff (default 2.0).
	Multiplier float64

	// Jitter adds randomness to backoff to prevent thundering herd.
	// Value between 0 and 1; 0.1 means ±10% jitter.
	Jitter float64

	// IsRecoverable determines if an error should be retried.
	// If nil, SquadronError recoverability decides.
	IsRecoverable func(error) bool

	// OnRetry is invoked before each retry with the attempt number
	// (1-based) and the error that caused it.
	OnRetry func(attempt int, err error)
}

// DefaultRetryConfig returns the retry settings used for collaborator
// consultations.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		Multiplier:    2.0,
		Jitter:        0.1,
		IsRecoverable: isRecoverableDefault,
	}
}

// WithMaxAttempts returns a new config with MaxAttempts set.
func (rc RetryConfig) WithMaxAttempts(max int) RetryConfig {
	rc.MaxAttempts = max
	return rc
}

// WithInitialDelay returns a new config with InitialDelay set.
func (rc RetryConfig) WithInitialDelay(d time.Duration) RetryConfig {
	rc.InitialDelay = d
	return rc
}

// WithOnRetry returns a new config with the retry hook set.
func (rc RetryConfig) WithOnRetry(fn func(attempt int, err error)) RetryConfig {
	rc.OnRetry = fn
	return rc
}

// Do executes fn with retry logic, returning the last error if all
// attempts fail. Non-recoverable errors return immediately.
func (rc RetryConfig) Do(ctx context.Context, fn func() error) error {
	if rc.MaxAttempts < 1 {
		rc.MaxAttempts = 1
	}
	if rc.IsRecoverable == nil {
		rc.IsRecoverable = isRecoverableDefault
	}

	var lastErr error
	for attempt := 0; attempt < rc.MaxAttempts; attempt++ {
		if attempt > 0 {
			if rc.OnRetry != nil {
				rc.OnRetry(attempt, lastErr)
			}
			delay := calculateBackoff(attempt, rc)
			select {
			case <-ctx.Done():
				return errors.New(errors.CodeContextLost, "context canceled during retry", ctx.Err()).
					WithContext("attempt", attempt).
					WithContext("max_attempts", rc.MaxAttempts)
			case <-time.After(delay):
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if !rc.IsRecoverable(err) {
			return err
		}
	}
	return lastErr
}

// DoWithResult executes fn with retry logic, returning both result and error.
func DoWithResult[T any](ctx context.Context, rc RetryConfig, fn func() (T, error)) (T, error) {
	var result T
	err := rc.Do(ctx, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}

// calculateBackoff computes exponential backoff delay with jitter.
func calculateBackoff(attempt int, rc RetryConfig) time.Duration {
	if rc.Multiplier == 0 {
		rc.Multiplier = 2.0
	}

	delay := time.Duration(float64(rc.InitialDelay) * math.Pow(rc.Multiplier, float64(attempt)))
	if delay > rc.MaxDelay {
		delay = rc.MaxDelay
	}

	if rc.Jitter > 0 {
		jitterAmount := delay.Seconds() * rc.Jitter
		jitterRange := 2 * jitterAmount * (rand.Float64() - 0.5)
		delay = time.Duration(float64(delay) + jitterRange*1e9)
		if delay < 0 {
			delay = 0
		}
	}
	return delay
}

// isRecoverableDefault retries based on the SquadronError recoverable
// flag; foreign errors are retried for backward compatibility.
func isRecoverableDefault(err error) bool {
	if err == nil {
		return false
	}
	if se, ok := err.(*errors.SquadronError); ok {
		return se.Recoverable
	}
	return true
}
