package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// DefaultAttempts is the number of tries WithRetry makes unless told otherwise.
const DefaultAttempts = 3

type retrying struct {
	gw        Gateway
	attempts  int
	baseDelay time.Duration
}

// WithRetry retries failed invocations with exponential backoff starting at
// baseDelay. Marker-prefixed text counts as a failure. Context cancellation
// stops retrying immediately.
func WithRetry(gw Gateway, attempts int, baseDelay time.Duration) Gateway {
	if attempts <= 0 {
		attempts = DefaultAttempts
	}
	return &retrying{gw: gw, attempts: attempts, baseDelay: baseDelay}
}

func (r *retrying) Invoke(ctx context.Context, prompt, system string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < r.attempts; attempt++ {
		if attempt > 0 {
			delay := r.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(delay):
			}
		}

		text, err := r.gw.Invoke(ctx, prompt, system)
		if err == nil && IsFailure(text) {
			err = fmt.Errorf("%w: %s", ErrMarkedFailure, text)
		}
		if err == nil {
			return text, nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		lastErr = err
	}
	return "", fmt.Errorf("after %d attempts: %w", r.attempts, lastErr)
}
