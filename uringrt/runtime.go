//go:build linux

// Package uringrt is the single-threaded executor collaborator for a
// reactor.Reactor: it owns the one goroutine allowed to call Park, tracks
// every task Spawn launches, and sequences shutdown so the ring's memory
// is never freed while the kernel still holds a reference into it.
//
// The original has no equivalent package of its own: tokio-uring::Runtime
// wraps tokio_current_thread::CurrentThread<Timer<Reactor>>, an entire
// generic single-threaded futures executor pulled in from the tokio 0.1
// ecosystem. Go has no futures to drive, so there is nothing to reimplement
// there — Spawn below launches a plain goroutine — but the run loop that
// repeatedly parks the reactor, and the shutdown ordering tokio-uring-reactor
// left as a FIXME ("need to clear, wait for completion, at least internal
// operations before freeing memory"), are both real gaps this package fills.
package uringrt

import (
	"context"
	"io"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/halvorsen/uringd/internal/sys"
	"github.com/halvorsen/uringd/reactor"
)

// drainPollInterval bounds how long Shutdown's drain loop blocks the
// reactor between checks of UserWait, so it notices a newly-zero count
// promptly without busy-spinning.
const drainPollInterval = 20 * time.Millisecond

// Runtime owns a reactor.Reactor and the single goroutine permitted to
// call Park on it. Every other goroutine submits work through Handle,
// exactly as with a bare reactor.Reactor; Runtime's value add is Spawn
// (task bookkeeping) and Shutdown (ordering).
type Runtime struct {
	re     *reactor.Reactor
	logger *log.Logger

	group  *errgroup.Group
	gctx   context.Context
	cancel context.CancelFunc
}

// New creates a Runtime backed by a fresh reactor. logger may be nil, in
// which case a discarding logger is used. On success it logs the kernel's
// io_uring feature set once, for operators diagnosing which fast paths
// (fast poll, extended enter arguments, no-drop CQ, native workers) this kernel actually gives
// the reactor.
func New(logger *log.Logger) (*Runtime, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}

	re, err := reactor.New(logger)
	if err != nil {
		return nil, err
	}

	if probe, perr := re.Probe(); perr == nil {
		logger.Debug("io_uring features",
			"last_op", probe.LastOp(),
			"fast_poll", probe.HasFeature(sys.IORING_FEAT_FAST_POLL),
			"ext_arg", probe.HasFeature(sys.IORING_FEAT_EXT_ARG),
			"nodrop", probe.HasFeature(sys.IORING_FEAT_NODROP),
			"native_workers", probe.HasFeature(sys.IORING_FEAT_NATIVE_WORKERS),
		)
	} else {
		logger.Debug("io_uring probe failed", "error", perr)
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)

	return &Runtime{
		re:     re,
		logger: logger,
		group:  group,
		gctx:   gctx,
		cancel: cancel,
	}, nil
}

// Handle returns the reactor handle tasks use to submit async I/O.
func (rt *Runtime) Handle() *reactor.Handle {
	return rt.re.Handle()
}

// Context returns the context Spawned tasks should select on: it is
// canceled when Shutdown begins, or when any Spawned task returns a
// non-nil error (errgroup's fail-fast behavior).
func (rt *Runtime) Context() context.Context {
	return rt.gctx
}

// Spawn launches fn on its own goroutine, tracked by the Runtime's
// errgroup. fn must return promptly once rt.Context() is done.
func (rt *Runtime) Spawn(fn func(ctx context.Context) error) {
	rt.group.Go(func() error {
		return fn(rt.gctx)
	})
}

// Run drives the reactor's park loop on the calling goroutine until ctx is
// done. It must be called from exactly one goroutine for the lifetime of
// the Runtime — this is the "single-threaded executor" half of the name.
// Submission from other goroutines via Handle is safe to interleave with
// Run, per reactor.Reactor's own concurrency contract.
func (rt *Runtime) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			rt.re.Unpark()
		case <-done:
		}
	}()

	for ctx.Err() == nil {
		if err := rt.re.Park(); err != nil {
			return errors.Wrap(err, "uringrt: park")
		}
	}
	return nil
}

// Shutdown stops accepting new work, cancels every Spawned task's context,
// waits for them to return, and then parks the reactor (with a bounded
// poll interval, since nothing guarantees a wakeup fires exactly when the
// last operation completes) until the kernel has posted completions for
// every caller-submitted operation still in flight (UserWait reaches zero)
// before finally closing it. The reactor's own internal timer and
// cross-thread wakeup polls are not waited for. This is the
// ordering tokio-uring-reactor's Inner left undone.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.cancel()

	waitErr := rt.group.Wait()

	for rt.re.UserWait() > 0 {
		if ctx.Err() != nil {
			return errors.Wrap(ctx.Err(), "uringrt: shutdown drain timed out")
		}
		if err := rt.re.ParkTimeout(drainPollInterval); err != nil {
			return errors.Wrap(err, "uringrt: drain park")
		}
	}

	if err := rt.re.Close(); err != nil {
		return errors.Wrap(err, "uringrt: close reactor")
	}

	if waitErr != nil && !errors.Is(waitErr, context.Canceled) {
		return waitErr
	}
	return nil
}
