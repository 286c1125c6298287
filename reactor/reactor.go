//go:build linux

// Package reactor drives a single io_uring instance as a park/unpark loop:
// one goroutine blocks in io_uring_enter waiting for completions (or a
// timeout, or a cross-thread wakeup), and every other goroutine submits
// work and waits on a channel for its own completion to arrive. It is the
// Go analogue of tokio_executor::park::Park built on an io_uring reactor,
// translating a single-threaded futures-poll loop into goroutines blocking
// on channels — the natural shape for "await a result" in Go.
package reactor

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/halvorsen/uringd/internal/sys"
	"github.com/halvorsen/uringd/registration"

	uring "github.com/halvorsen/uringd"
)

// Sentinel user_data values for the reactor's own internal polls. Both are
// odd; see RawRegistration.IntoUserData for why real registrations never
// collide with these.
const (
	sentinelTimer = 0x1
	sentinelPark  = 0x3
)

// errReactorDead is the cause wrapped by OpError when a Handle is used
// after its Reactor has been Closed: the ring's SQE region may already be
// munmap'd by then, so submission must be refused before ever touching it.
var errReactorDead = errors.New("uring reactor dead")

// OpError reports a failed attempt to submit fd-based work through a
// Handle, naming the operation and the underlying cause — the same shape
// as os.PathError/net.OpError.
type OpError struct {
	Op  string
	Err error
}

func (e *OpError) Error() string { return "reactor: " + e.Op + ": " + e.Err.Error() }
func (e *OpError) Unwrap() error { return e.Err }

// completionState is the bookkeeping a CQE dispatch pass mutates. Only the
// single goroutine running the park loop ever touches requeueTimer,
// timerPending, requeuePark and park directly — the two fields other
// goroutines also write, activeWait and userWait, are atomic because
// submitters queue new operations (incrementing them) concurrently with the
// park loop observing their completions (decrementing them).
type completionState struct {
	requeueTimer bool
	timerPending bool
	requeuePark  bool
	activeWait   atomic.Int64
	userWait     atomic.Int64
	park         *park
}

func newCompletionState() (*completionState, error) {
	p, err := newPark()
	if err != nil {
		return nil, err
	}
	return &completionState{
		requeueTimer: true,
		requeuePark:  true,
		park:         p,
	}, nil
}

// handleCompletion dispatches one CQE. A zero user_data is a
// fire-and-forget command (e.g. POLL_REMOVE) whose result nobody is
// waiting on. An even, nonzero user_data is a real registration; Notify
// wakes whatever goroutine is blocked in Registration.Wait. The two
// reserved odd values are the reactor's own timer and park polls.
func (cs *completionState) handleCompletion(userData uint64, result registration.Result) {
	if userData == 0 {
		return
	}
	cs.activeWait.Add(-1)
	if userData&1 == 0 {
		cs.userWait.Add(-1)
		registration.Notify(userData, result)
		return
	}
	switch userData {
	case sentinelTimer:
		cs.requeueTimer = true
		cs.timerPending = true
	case sentinelPark:
		cs.park.clearEvent()
		cs.requeuePark = true
	default:
		panic(fmt.Sprintf("reactor: unknown internal user_data %#x", userData))
	}
}

// inner holds everything the park loop needs exclusive access to. Its park,
// completion and internal-poll methods run on the single goroutine that owns
// the Reactor (or, for Close, after that goroutine has stopped). The
// queueAsync* methods are called by Handle from any goroutine; they touch
// only the Ring, through its own locking, and the atomic wait counters.
// Cross-thread wakeup goes through completionState.park, which is safe for
// concurrent use by design.
type inner struct {
	ring    *uring.Ring
	state   *completionState
	timerFD int
	logger  *log.Logger
}

func newInner(logger *log.Logger) (*inner, error) {
	ring, err := uring.New(256)
	if err != nil {
		return nil, errors.Wrap(err, "reactor: create ring")
	}

	state, err := newCompletionState()
	if err != nil {
		ring.Close()
		return nil, err
	}

	timerFD, err := sys.TimerfdCreate()
	if err != nil {
		ring.Close()
		state.park.close()
		return nil, errors.Wrap(err, "reactor: create timerfd")
	}

	return &inner{
		ring:    ring,
		state:   state,
		timerFD: timerFD,
		logger:  logger,
	}, nil
}

func (in *inner) close() error {
	errRing := in.ring.Close()
	errPark := in.state.park.close()
	errTimer := unix.Close(in.timerFD)
	if errRing != nil {
		return errRing
	}
	if errPark != nil {
		return errPark
	}
	return errTimer
}

// checkCompletions drains every currently-available CQE. Returns true if
// at least one was processed.
func (in *inner) checkCompletions() bool {
	received := false
	in.ring.ForEachCQE(func(userData uint64, res int32, flags uint32) bool {
		received = true
		in.state.handleCompletion(userData, registration.Result{Res: res, Flags: flags})
		return true
	})
	return received
}

// parkInner is the full park/park_timeout protocol: drain what's already
// here, arm or disarm the idle timer, make sure the timer and cross-thread
// wakeup polls are both live, then make at most one io_uring_enter call
// (submit-only, or submit-and-wait-for-one depending on whether anything
// still requires blocking; a submit-only pass with nothing queued makes no
// call at all) and drain once more.
func (in *inner) parkInner(wait bool, timeout time.Duration, hasTimeout bool) error {
	if in.checkCompletions() {
		wait = false
	}

	if in.state.park.Pending() {
		wait = false
	}

	if wait {
		if hasTimeout {
			in.logger.Debug("park with timeout", "timeout", timeout)
			if err := sys.TimerfdSetOneshot(in.timerFD, sys.Timespec{
				Sec:  int64(timeout / time.Second),
				Nsec: int64(timeout % time.Second),
			}); err != nil {
				return errors.Wrap(err, "reactor: arm timer")
			}
			in.state.timerPending = false
		} else {
			in.logger.Debug("park without timeout")
			if in.state.timerPending {
				if err := sys.TimerfdSetOneshot(in.timerFD, sys.Timespec{}); err != nil {
					return errors.Wrap(err, "reactor: disarm timer")
				}
				in.state.timerPending = false
			}
		}

		if in.state.requeueTimer {
			if err := in.queueTimerPoll(); err != nil {
				wait = false
			} else {
				in.state.requeueTimer = false
			}
		}
	}

	if wait && in.state.requeuePark {
		if err := in.queueParkRead(); err != nil {
			wait = false
		} else {
			in.state.requeuePark = false
		}
	}

	entered := in.state.park.enter()
	if !entered.allowWait {
		wait = false
	}

	var err error
	if wait {
		in.logger.Debug("io_uring_enter", "min_complete", 1, "getevents", true)
		_, err = in.ring.SubmitAndWait(1)
	} else {
		in.logger.Debug("io_uring_enter", "min_complete", 0, "getevents", false)
		_, err = in.ring.Submit()
	}
	entered.release()
	if err != nil {
		return errors.Wrap(err, "reactor: io_uring_enter")
	}

	in.checkCompletions()
	return nil
}

func (in *inner) park() error {
	return in.parkInner(true, 0, false)
}

func (in *inner) parkTimeout(d time.Duration) error {
	if d == 0 {
		return in.parkInner(false, 0, false)
	}
	return in.parkInner(true, d, true)
}

func (in *inner) queueTimerPoll() error {
	if err := in.ring.PrepPollAdd(in.timerFD, unix.POLLIN, sentinelTimer); err != nil {
		return err
	}
	in.state.activeWait.Add(1)
	return nil
}

func (in *inner) queueParkRead() error {
	if err := in.ring.PrepPollAdd(in.state.park.fd(), unix.POLLIN, sentinelPark); err != nil {
		return err
	}
	in.state.activeWait.Add(1)
	return nil
}

// queueAsyncReadv submits a readv SQE carrying raw's user_data. raw must be
// un-consumed: on ErrSQFull (or any other Prep failure) the SQE was never
// submitted, so no CQE will ever arrive to delete raw's handle via Notify —
// this releases it here instead, so a submission failure never leaks a
// cgo.Handle (and the buffer/iovec context it pins) forever.
func (in *inner) queueAsyncReadv(fd int, offset uint64, iovecs []unix.Iovec, raw registration.RawRegistration) error {
	if err := in.ring.PrepReadv(fd, iovecs, offset, raw.IntoUserData()); err != nil {
		raw.Release()
		return err
	}
	in.state.activeWait.Add(1)
	in.state.userWait.Add(1)
	return nil
}

func (in *inner) queueAsyncWritev(fd int, offset uint64, iovecs []unix.Iovec, raw registration.RawRegistration) error {
	if err := in.ring.PrepWritev(fd, iovecs, offset, raw.IntoUserData()); err != nil {
		raw.Release()
		return err
	}
	in.state.activeWait.Add(1)
	in.state.userWait.Add(1)
	return nil
}

func (in *inner) queueAsyncPoll(fd int, mask uint32, raw registration.RawRegistration) error {
	if err := in.ring.PrepPollAdd(fd, mask, raw.IntoUserData()); err != nil {
		raw.Release()
		return err
	}
	in.state.activeWait.Add(1)
	in.state.userWait.Add(1)
	return nil
}

// activeWaitCount reports every outstanding operation, including the
// reactor's own internal timer and park-wakeup polls, which stay
// perpetually in flight (one of each is always re-armed the cycle after it
// fires) for as long as anything parks with wait=true. It is diagnostic
// only — shutdown must not wait for it to reach zero.
func (in *inner) activeWaitCount() int {
	return int(in.state.activeWait.Load())
}

// userWaitCount reports outstanding operations submitted by callers
// (readv/writev/poll registrations), excluding the reactor's own internal
// timer and park polls. Shutdown waits for this, not activeWaitCount, to
// reach zero: the internal polls reference no externally-pinned memory, so
// Close is always safe to call regardless of whether they are in flight.
func (in *inner) userWaitCount() int {
	return int(in.state.userWait.Load())
}

// Reactor owns one io_uring instance and the single goroutine that should
// call Park in a loop. Handle is the concurrency-safe way everything else
// submits work to it. Unlike Park itself, submission is safe to call
// concurrently with a blocked Park call: SQE preparation goes through
// Ring's own locking, and the reactor-local bookkeeping submitters touch
// (activeWait, userWait) is atomic — so queuing new work never
// blocks behind, or blocks, whatever io_uring_enter call the park loop is
// currently parked in.
type Reactor struct {
	inner  *inner
	closed atomic.Bool
}

// New creates a Reactor backed by a fresh io_uring instance. logger may be
// nil, in which case a discarding logger is used.
func New(logger *log.Logger) (*Reactor, error) {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	in, err := newInner(logger)
	if err != nil {
		return nil, err
	}
	return &Reactor{inner: in}, nil
}

// Park blocks until at least one completion is available, a cross-thread
// Unpark arrives, or an error occurs. It must only ever be called from the
// single goroutine driving this Reactor (see package uringrt).
func (re *Reactor) Park() error {
	return re.inner.park()
}

// ParkTimeout is Park with an upper bound on how long to block. A zero
// duration returns immediately after draining whatever is already
// available, submitting any pending work but never blocking.
func (re *Reactor) ParkTimeout(d time.Duration) error {
	return re.inner.parkTimeout(d)
}

// Unpark interrupts a concurrent or future call to Park/ParkTimeout. Safe
// to call from any goroutine.
func (re *Reactor) Unpark() {
	re.inner.state.park.unpark()
}

// ActiveWait returns the total number of operations the kernel still holds
// a reference to, including the reactor's own internal timer and wakeup
// polls — which stay perpetually nonzero while parked. Diagnostic only;
// see UserWait for the count shutdown should actually drain to zero.
func (re *Reactor) ActiveWait() int {
	return re.inner.activeWaitCount()
}

// UserWait returns the number of caller-submitted operations (reads,
// writes, polls from Handle) the kernel still holds a reference to. Unlike
// ActiveWait, this is expected to reach zero once every task using this
// reactor has finished, and is what shutdown should wait on before closing
// the reactor.
func (re *Reactor) UserWait() int {
	return re.inner.userWaitCount()
}

// Close releases the ring, timerfd and park pipe. Callers must ensure no
// goroutine is blocked in Park and that UserWait() == 0 first — see
// package uringrt for the shutdown sequence that guarantees this. Once
// Close returns, every Handle still referencing this Reactor refuses new
// submissions with an OpError wrapping errReactorDead instead of touching
// the (by then possibly unmapped) ring memory.
func (re *Reactor) Close() error {
	re.closed.Store(true)
	return re.inner.close()
}

// dead reports whether Close has been called. Handle's submission methods
// consult this before ever reaching the ring.
func (re *Reactor) dead() bool {
	return re.closed.Load()
}

// Handle returns a cloneable handle usable from any goroutine to submit
// async operations against this reactor.
func (re *Reactor) Handle() *Handle {
	return &Handle{re: re}
}

// Probe queries the kernel for the set of io_uring operations and ring
// setup features this reactor's ring actually supports. Safe to call
// concurrently with Park.
func (re *Reactor) Probe() (*uring.Probe, error) {
	return re.inner.ring.Probe()
}

// Handle is the concurrency-safe façade goroutines use to submit work to a
// Reactor without caring whether it is currently parked. It corresponds to
// the original's weak-reference Handle: Go's GC already keeps the Reactor
// reachable as long as a Handle exists, so there is nothing to upgrade like
// Weak::upgrade, but a Handle can still outlive its Reactor's Close call —
// every submission method checks re.dead() first and refuses with an
// OpError instead of touching the ring once that has happened.
type Handle struct {
	re *Reactor
}

// flushSubmission pushes any SQEs queued by a just-issued queueAsync* call
// to the kernel without waiting, so the new operation isn't stuck behind
// whatever timeout the park loop is currently blocked on. Safe to call
// concurrently with a blocked Park call — see the Reactor doc comment.
func (h *Handle) flushSubmission() error {
	_, err := h.re.inner.ring.Submit()
	return err
}

func (h *Handle) queueAsyncReadv(fd int, offset uint64, iovecs []unix.Iovec, raw registration.RawRegistration) error {
	if h.re.dead() {
		raw.Release()
		return &OpError{Op: "async_read", Err: errReactorDead}
	}
	return h.re.inner.queueAsyncReadv(fd, offset, iovecs, raw)
}

func (h *Handle) queueAsyncWritev(fd int, offset uint64, iovecs []unix.Iovec, raw registration.RawRegistration) error {
	if h.re.dead() {
		raw.Release()
		return &OpError{Op: "async_write", Err: errReactorDead}
	}
	return h.re.inner.queueAsyncWritev(fd, offset, iovecs, raw)
}

func (h *Handle) queueAsyncPoll(fd int, mask uint32, raw registration.RawRegistration) error {
	if h.re.dead() {
		raw.Release()
		return &OpError{Op: "async_poll", Err: errReactorDead}
	}
	return h.re.inner.queueAsyncPoll(fd, mask, raw)
}
