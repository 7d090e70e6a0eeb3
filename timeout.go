package chatsync

import (
	"context"
	"time"
)

// WithTimeout races op against a deadline of d. When the deadline fires first
// it returns a *TimeoutError carrying label. The operation is not cancelled:
// it keeps running with ctx and its eventual result is dropped. Callers that
// want the transport aborted pass a context they cancel themselves.
//
// A non-positive d runs op without a deadline.
func WithTimeout[T any](ctx context.Context, d time.Duration, label string, op func(context.Context) (T, error)) (T, error) {
	if d <= 0 {
		return op(ctx)
	}

	type outcome struct {
		v   T
		err error
	}
	// Buffered so an abandoned op can still deliver and exit.
	done := make(chan outcome, 1)
	go func() {
		v, err := op(ctx)
		done <- outcome{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	var zero T
	select {
	case o := <-done:
		return o.v, o.err
	case <-timer.C:
		return zero, &TimeoutError{Label: label, After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
