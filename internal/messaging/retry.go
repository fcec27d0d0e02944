package messaging

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/CarePipe/internal/models"
)

// RetryPolicy retries transient send failures with exponential backoff.
type RetryPolicy struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Factor         float64
	AttemptTimeout time.Duration
}

// DefaultRetryPolicy returns 3 attempts, 500ms base delay doubling up to 5s, 10s per attempt.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Factor:         2,
		AttemptTimeout: 10 * time.Second,
	}
}

// Backoff returns the wait before attempt n+1, where n counts from 1.
func (p RetryPolicy) Backoff(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// Do calls fn until it succeeds, returns a non-retryable error, attempts run out, or ctx ends.
// It returns the number of attempts made and the last error.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) (int, error) {
	maxAttempts := max(p.MaxAttempts, 1)
	var err error
	for attempt := 1; ; attempt++ {
		err = p.attempt(ctx, fn)
		if err == nil {
			return attempt, nil
		}
		if !retryable(ctx, err) || attempt >= maxAttempts {
			return attempt, err
		}

		wait := p.Backoff(attempt)
		slog.Debug("RetryPolicy.Do: transient failure, backing off", "attempt", attempt, "wait", wait, "error", err)
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, errors.Join(err, ctx.Err())
		case <-timer.C:
		}
	}
}

func (p RetryPolicy) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if p.AttemptTimeout <= 0 {
		return fn(ctx)
	}
	attemptCtx, cancel := context.WithTimeout(ctx, p.AttemptTimeout)
	defer cancel()
	err := fn(attemptCtx)
	if err != nil && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !models.IsTransient(err) {
		return &models.GatewayTransientError{Gateway: "attempt", Err: err}
	}
	return err
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil || errors.Is(err, models.ErrCircuitOpen) {
		return false
	}
	return models.IsTransient(err)
}
