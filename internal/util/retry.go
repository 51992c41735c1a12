// ABOUTME: Retry utilities for LLM calls with exponential backoff
// ABOUTME: Context-aware so a cancelled request stops retrying immediately
package util

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"
)

// MaxBackoff caps a single backoff interval
const MaxBackoff = 30 * time.Second

// CalculateBackoff returns exponential backoff with jitter
// Base delay is doubled each attempt, with random jitter up to 25%
func CalculateBackoff(baseDelay time.Duration, attempt int) time.Duration {
	if attempt <= 0 || baseDelay <= 0 {
		return 0
	}
	// Cap attempt to avoid overflow in bit shift
	if attempt > 30 {
		attempt = 30
	}
	backoff := baseDelay * time.Duration(1<<uint(attempt))
	if backoff > MaxBackoff || backoff <= 0 {
		backoff = MaxBackoff
	}
	// Add jitter: -25% to +25% using auto-seeded math/rand/v2
	jitter := time.Duration(rand.Int64N(int64(backoff)/2+1)) - backoff/4
	return backoff + jitter
}

// Policy describes how an operation is retried
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	// Retryable reports whether err is worth another attempt; nil retries everything
	Retryable func(err error) bool
}

// Do runs fn until it succeeds, returns a non-retryable error, exhausts the
// policy, or ctx ends. The last error is returned wrapped with the attempt count.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context, attempt int) error) error {
	var lastErr error

	for attempt := 0; attempt <= p.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := Sleep(ctx, CalculateBackoff(p.BaseDelay, attempt)); err != nil {
				return fmt.Errorf("retry interrupted after %d attempts: %w", attempt, lastErr)
			}
		}

		err := fn(ctx, attempt)
		if err == nil {
			return nil
		}
		lastErr = fmt.Errorf("attempt %d: %w", attempt+1, err)

		if ctx.Err() != nil {
			return lastErr
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", p.MaxRetries+1, lastErr)
}

// Sleep waits for d or until ctx is done
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
