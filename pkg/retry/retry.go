// Package retry provides the fixed-backoff retry loop shared by every backend call.
package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"time"
)

// Policy controls how many times an operation runs and how long to wait between runs.
type Policy struct {
	Attempts int
	Delay    time.Duration
	// Retryable decides whether a non-permanent error is worth another attempt.
	// Nil means every non-permanent error is retried.
	Retryable func(error) bool
}

// DelayScale multiplies every Policy.Delay. Tests set it to 0 to avoid real sleeps.
var DelayScale = 1.0

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Do runs op until it succeeds, returns a permanent error, the context ends or
// the attempt budget is spent. The last error is returned with any permanent
// marker removed.
func Do(ctx context.Context, policy Policy, op func(ctx context.Context) error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			if err == nil {
				err = ctxErr
			}
			return err
		}

		err = op(ctx)
		if err == nil {
			return nil
		}

		var p *permanentError
		if errors.As(err, &p) {
			return p.err
		}
		if policy.Retryable != nil && !policy.Retryable(err) {
			return err
		}
		if attempt == attempts {
			break
		}

		delay := time.Duration(float64(policy.Delay) * DelayScale)
		if delay <= 0 {
			continue
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
	}
	return err
}

// DoValue is Do for operations that produce a value
func DoValue[T any](ctx context.Context, policy Policy, op func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := Do(ctx, policy, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// IsNetworkError reports whether err came from the transport rather than the payload:
// timeouts, refused connections, resets and DNS failures.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
