// Package retry implements bounded retry and readiness polling.
package retry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"
)

// Policy bounds a retry loop: at most Attempts tries, Interval apart.
type Policy struct {
	Attempts int
	Interval time.Duration

	sleep func(context.Context, time.Duration) error
}

var (
	// ReadinessPolicy is used while waiting for kernel or sidecar resources
	// that appear asynchronously (device nodes, sockets, pid files).
	ReadinessPolicy = Policy{Attempts: 20, Interval: 50 * time.Millisecond}
	// DownloadPolicy bounds retries of an interrupted image download.
	DownloadPolicy = Policy{Attempts: 10}
)

var ErrExhausted = errors.New("retry budget exhausted")

// WithSleep returns a copy of p that waits using sleep instead of a timer.
func (p Policy) WithSleep(sleep func(context.Context, time.Duration) error) Policy {
	p.sleep = sleep
	return p
}

func (p Policy) attempts() int {
	if p.Attempts < 1 {
		return 1
	}
	return p.Attempts
}

func (p Policy) wait(ctx context.Context) error {
	if p.sleep != nil {
		return p.sleep(ctx, p.Interval)
	}
	if p.Interval <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(p.Interval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type permanentError struct {
	err error
}

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// Value calls fn until it succeeds, returns a Permanent error, or the
// policy's attempts are used up. fn receives the 0-based attempt number.
func Value[T any](ctx context.Context, p Policy, fn func(attempt int) (T, error)) (T, error) {
	var (
		zero    T
		lastErr error
	)
	attempts := p.attempts()
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := p.wait(ctx); err != nil {
				return zero, errors.Join(err, lastErr)
			}
		}
		v, err := fn(attempt)
		if err == nil {
			return v, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return zero, perm.err
		}
		lastErr = err
	}
	return zero, fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// Do is Value for operations without a result.
func Do(ctx context.Context, p Policy, fn func(attempt int) error) error {
	_, err := Value(ctx, p, func(attempt int) (struct{}, error) {
		return struct{}{}, fn(attempt)
	})
	return err
}

// Until evaluates cond immediately and then once per interval, at most
// Attempts more times. It returns the number of waits performed before cond
// held, or ErrExhausted.
func Until(ctx context.Context, p Policy, cond func() (bool, error)) (int, error) {
	attempts := p.attempts()
	for waited := 0; ; waited++ {
		ok, err := cond()
		if err != nil {
			return waited, err
		}
		if ok {
			return waited, nil
		}
		if waited == attempts {
			return waited, ErrExhausted
		}
		if err := p.wait(ctx); err != nil {
			return waited, err
		}
	}
}

type ResourceNotReadyError struct {
	Path     string
	Attempts int
	Interval time.Duration
}

func (e *ResourceNotReadyError) Error() string {
	return fmt.Sprintf("%s not ready after %d checks %s apart", e.Path, e.Attempts, e.Interval)
}

// WaitForPath polls until path exists.
func WaitForPath(ctx context.Context, path string, p Policy) error {
	_, err := Until(ctx, p, func() (bool, error) {
		_, statErr := os.Stat(path)
		if statErr == nil {
			return true, nil
		}
		if errors.Is(statErr, os.ErrNotExist) {
			return false, nil
		}
		return false, statErr
	})
	if errors.Is(err, ErrExhausted) {
		return &ResourceNotReadyError{Path: path, Attempts: p.attempts(), Interval: p.Interval}
	}
	return err
}
