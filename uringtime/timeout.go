//go:build linux

// Package uringtime adds a deadline to any reactor-backed wait. It is the
// Go counterpart of echo-async's Timeout future: there, a hand-rolled
// Future polls an inner future and a tokio_timer::Delay side by side and
// resolves to whichever fires first. Go's context.Context already is that
// race (a deadline is just another thing a ctx.Done() can fire from), so
// the combinator here is a thin wrapper that tells a timeout apart from
// every other way the inner operation can fail, rather than reimplementing
// the race itself.
package uringtime

import (
	"context"
	"time"
)

// TimeoutError reports that an operation's deadline elapsed before it
// completed. The wrapped Registration (or whatever kernel-side state the
// inner operation owns) is not released: the kernel may still be holding
// a pointer into it, so it is abandoned in place exactly as a direct ctx
// cancellation of a reactor wait would be. Callers must not reuse any
// buffer passed to the timed-out operation.
type TimeoutError struct {
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return "uringtime: operation timed out after " + e.Timeout.String()
}

// Is lets errors.Is(err, context.DeadlineExceeded) keep working for callers
// that don't care which combinator produced the timeout.
func (e *TimeoutError) Is(target error) bool {
	return target == context.DeadlineExceeded
}

// After runs op with a deadline of d applied on top of ctx. If op returns
// because the deadline elapsed (ctx.Err() was nil but the derived deadline
// context's was not), the zero value of T and a *TimeoutError are
// returned instead of op's own result and error; the *TimeoutError does not
// carry op's error. op's own return value is intentionally discarded on
// timeout since it raced against an operation the kernel may still
// complete into.
//
// op must honor context cancellation the way Registration.Wait and
// AsyncPoll.Next do: return promptly, but leave any kernel-owned state
// alone rather than releasing it.
func After[T any](ctx context.Context, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	deadline, cancel := context.WithTimeout(ctx, d)
	defer cancel()

	result, err := op(deadline)
	if err != nil && deadline.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		var zero T
		return zero, &TimeoutError{Timeout: d}
	}
	return result, err
}
