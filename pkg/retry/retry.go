package retry

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Policy holds retry configuration
type Policy struct {
	MaxAttempts int           // Total attempts, including the first one
	BaseDelay   time.Duration // Delay before the first retry
	Multiplier  float64       // Backoff multiplier (exponential)

	// Retryable filters errors worth another attempt. Nil retries everything.
	Retryable func(err error) bool

	// OnRetry is called before each retry sleep
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultPolicy returns the policy used for every remote call: three
// attempts, waiting 1s then 2s between them.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 3,
		BaseDelay:   1 * time.Second,
		Multiplier:  2.0,
	}
}

func (p Policy) normalized() Policy {
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.BaseDelay < 0 {
		p.BaseDelay = 0
	}
	if p.Multiplier < 1.0 {
		p.Multiplier = 2.0
	}
	return p
}

// Delay returns the wait before retry number attempt (1-based):
// BaseDelay * Multiplier^(attempt-1).
func (p Policy) Delay(attempt int) time.Duration {
	p = p.normalized()
	d := float64(p.BaseDelay)
	for i := 1; i < attempt; i++ {
		d *= p.Multiplier
	}
	return time.Duration(d)
}

// Do executes op until it succeeds or the policy's attempts are exhausted.
// Every error is retried unless the policy's Retryable says otherwise. On exhaustion the last error is returned as is,
// so callers can match it with errors.Is / errors.As.
func Do[T any](ctx context.Context, policy Policy, logger *zap.Logger, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if logger == nil {
		logger = zap.NewNop()
	}
	policy = policy.normalized()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		result, err := op(ctx)
		if err == nil {
			return result, nil
		}
		lastErr = err

		// Don't sleep after last attempt
		if attempt == policy.MaxAttempts {
			break
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return zero, err
		}

		delay := policy.Delay(attempt)
		logger.Warn("Attempt failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.String("error", err.Error()),
		)
		if policy.OnRetry != nil {
			policy.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}

	return zero, lastErr
}

// Execute is Do for operations without a result value
func Execute(ctx context.Context, policy Policy, logger *zap.Logger, op func(ctx context.Context) error) error {
	_, err := Do(ctx, policy, logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, op(ctx)
	})
	return err
}
