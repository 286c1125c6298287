//go:build linux

// Package registration implements the reactor's registration table: the
// record that ties one in-flight io_uring request to a caller-owned context
// (buffers, file handle), a waker, and a result slot. Its stable address is
// the user_data the reactor hands the kernel.
//
// The original design (see tokio-uring-reactor's registration.rs) models
// this as an Rc<UnsafeCell<Inner>> holding a type-erased Box<dyn Any>, with
// a raw pointer smuggled across the kernel boundary as the 64-bit
// user_data. Go's GC moves objects and does not let you keep the only live
// reference to a value as a bare uintptr, so the stable-address trick is
// reimplemented on top of runtime/cgo.Handle, which exists for exactly this
// purpose: pinning a Go value and handing out a process-stable integer for
// it, valid until the handle is deleted. Type erasure is reimplemented with
// a small notifier interface instead of Box<dyn Any>, since the reactor's
// completion dispatch path (package reactor) never knows the context type
// T of the registration it is waking.
package registration

import (
	"runtime/cgo"

	"golang.org/x/sys/unix"
)

// Result is the outcome of a completed io_uring request: the raw CQE result
// (bytes transferred, or a negative errno) and the CQE flags.
type Result struct {
	Res   int32
	Flags uint32
}

// Err converts a negative Res into an OS error. Returns nil for Res >= 0.
func (r Result) Err() error {
	if r.Res >= 0 {
		return nil
	}
	return unix.Errno(-r.Res)
}

// notifier is the type-erased interface the reactor's dispatch loop uses to
// deliver a completion without knowing the registration's context type.
type notifier interface {
	notify(Result)
}

// Registration is the future-side handle to a pending (or just-completed)
// io_uring request that owns a context T — typically the buffer and file
// an operation needs kept alive until the kernel is done with them.
//
// Two owners exist for the lifetime of a pending request: this value (held
// by the task awaiting the result) and a RawRegistration cloned from it and
// handed to the kernel as user_data. Both act on the same *state
// underneath, so notify() and Wait() agree on the outcome regardless of
// which one observes completion first.
type Registration[T any] struct {
	state *state[T]
}

type state[T any] struct {
	done   chan struct{}
	result Result
	data   T
	taken  bool // true once the future has consumed data via Wait
}

func (s *state[T]) notify(result Result) {
	select {
	case <-s.done:
		panic("registration: duplicate completion for user_data")
	default:
	}
	s.result = result
	close(s.done)
}

// New allocates a registration holding data. data is "pinned" in the sense
// that nothing else may observe or mutate it until the registration
// completes and Wait returns it.
func New[T any](data T) *Registration[T] {
	return &Registration[T]{
		state: &state[T]{
			done: make(chan struct{}),
			data: data,
		},
	}
}

// Data returns a pointer to the owned context, for filling in fields (like
// an iovec's base address) that must be set after the context has a stable
// address, i.e. after New has boxed it.
func (r *Registration[T]) Data() *T {
	return &r.state.data
}

// ToRaw clones the registration into a RawRegistration suitable for handing
// to the kernel as user_data via IntoUserData. The raw handle is
// type-erased: the reactor that eventually calls Notify on it does not need
// to know T.
func (r *Registration[T]) ToRaw() RawRegistration {
	return RawRegistration{handle: cgo.NewHandle(notifier(r.state))}
}

// DoneWaiter is the minimal slice of context.Context that Wait needs; it
// lets callers pass a context.Context directly without this package
// importing "context" for the sake of one method.
type DoneWaiter interface {
	Done() <-chan struct{}
	Err() error
}

// Wait blocks until the request completes or ctx is done. On context
// cancellation, the registration is NOT released: the kernel may still be
// holding the pointer backing it (see RawRegistration), so the context and
// buffer stay pinned until the real completion eventually arrives and the
// reactor's dispatch loop drops the last reference via Notify. This matches
// the "may be abandoned only by leaking the registration" policy.
//
// Wait must not be called again after it has returned a result; a second
// call panics, matching the "already finished" programmer-error rule for
// polling a future twice.
func (r *Registration[T]) Wait(ctx DoneWaiter) (Result, T, error) {
	if r.state.taken {
		panic("registration: already finished")
	}
	select {
	case <-r.state.done:
		r.state.taken = true
		return r.state.result, r.state.data, nil
	case <-ctx.Done():
		return Result{}, r.state.data, ctx.Err()
	}
}

// WaitAndReset is the reusable variant of Wait for streaming registrations
// with no per-operation context (T = struct{}), e.g. a repeated poll: it
// blocks for one completion and then resets the done channel so the same
// *Registration can be resubmitted for the next event without
// reallocating. Each resubmission still needs a fresh ToRaw/IntoUserData
// pair, since every SQE needs its own user_data, but the Registration and
// its notifier identity survive across cycles.
func (r *Registration[T]) WaitAndReset(ctx DoneWaiter) (Result, error) {
	select {
	case <-r.state.done:
		result := r.state.result
		r.state.done = make(chan struct{})
		return result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// RawRegistration is the kernel-side alias of a Registration: its handle
// value is exactly the user_data stashed in an SQE, and from it the reactor
// reconstructs the notifier interface needed to deliver a completion.
type RawRegistration struct {
	handle cgo.Handle
}

// IntoUserData consumes the raw handle, returning its value as the 64-bit
// user_data for an SQE. The handle is shifted left by one bit so the
// low bit is always clear, giving the reactor's completion dispatch a
// reserved odd range for its own sentinel user_data values (internal
// timer and cross-thread wakeup polls) without colliding with a real
// registration. This replaces the original's reliance on pointer
// alignment to get the same "registrations are even, sentinels are odd"
// split: cgo.Handle values come from a sequential counter, not an
// aligned pointer, so the low bit cannot be assumed clear on its own.
func (rr RawRegistration) IntoUserData() uint64 {
	if rr.handle == 0 {
		panic("registration: zero handle")
	}
	return uint64(rr.handle) << 1
}

// Release deletes the raw handle without delivering a completion. Valid
// only when the kernel never actually received this user_data — e.g. a
// Prep* call failed (ErrSQFull or similar) after ToRaw had already minted
// the handle, so no SQE was ever submitted and no CQE will ever arrive for
// it. Calling Release once the kernel holds the handle in flight would
// delete it out from under a completion that is still coming, racing the
// dispatch loop's eventual Notify call — callers must only reach for this
// on a submission failure, never after a successful Prep*.
func (rr RawRegistration) Release() {
	rr.handle.Delete()
}

// Notify completes the registration identified by userData with result and
// releases the kernel's conceptual ownership of it. It is a fatal
// programmer error to call Notify twice for the same user_data (the first
// call deletes the handle, so the second panics in cgo.Handle.Value), or to
// call it with a sentinel (odd) user_data.
func Notify(userData uint64, result Result) {
	if userData&1 != 0 {
		panic("registration: Notify called with a non-registration user_data")
	}
	h := cgo.Handle(userData >> 1)
	n := h.Value().(notifier)
	h.Delete()
	n.notify(result)
}
