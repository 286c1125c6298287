//go:build linux

package reactor

import (
	"context"

	"github.com/halvorsen/uringd/registration"
)

// AsyncPoll repeatedly arms a POLL_ADD against fd and hands back the
// returned poll mask each time it fires, re-arming automatically. It is
// the Go counterpart of the original's futures::Stream<Item = PollFlags>:
// instead of being polled by an executor, a caller's goroutine calls Next
// in a loop and blocks there between events.
type AsyncPoll struct {
	handle *Handle
	fd     int
	mask   uint32
	active bool
	reg    *registration.Registration[struct{}]
}

// AsyncPoll creates a poll stream for fd against the given readiness mask
// (e.g. unix.POLLIN). The first call to Next submits the initial POLL_ADD.
func (h *Handle) AsyncPoll(fd int, mask uint32) *AsyncPoll {
	return &AsyncPoll{
		handle: h,
		fd:     fd,
		mask:   mask,
		reg:    registration.New(struct{}{}),
	}
}

// Next blocks until fd becomes ready for mask. Each call arms a fresh
// POLL_ADD unless one from an earlier, interrupted call is still
// outstanding; after a readiness event nothing stays armed until the next
// call. Returns the CQE result mask (a subset of mask) on each readiness.
func (p *AsyncPoll) Next(ctx context.Context) (uint32, error) {
	if !p.active {
		if err := p.handle.queueAsyncPoll(p.fd, p.mask, p.reg.ToRaw()); err != nil {
			return 0, err
		}
		p.handle.flushSubmission()
		p.active = true
	}

	result, err := p.reg.WaitAndReset(ctx)
	if err != nil {
		return 0, err
	}
	p.active = false
	if rerr := result.Err(); rerr != nil {
		return 0, rerr
	}
	return uint32(result.Res), nil
}
