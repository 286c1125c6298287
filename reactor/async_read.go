//go:build linux

package reactor

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/halvorsen/uringd/registration"
)

// readContext pins the buffer and its iovec for the lifetime of a readv:
// both need a stable address from the moment the SQE is submitted until
// the CQE for it arrives, and boxing them inside the registration (which
// cgo.Handle keeps reachable) is what provides that.
type readContext struct {
	iovec [1]unix.Iovec
	buf   []byte
}

func iovecOf(buf []byte) unix.Iovec {
	if len(buf) == 0 {
		return unix.Iovec{}
	}
	iov := unix.Iovec{Base: &buf[0]}
	iov.SetLen(len(buf))
	return iov
}

// AsyncRead is a single in-flight vectored read. Call Wait to block the
// calling goroutine until the kernel completes it (or ctx is done).
type AsyncRead struct {
	reg *registration.Registration[readContext]
}

// AsyncRead submits a readv of fd at offset into buf. buf must not be
// touched by the caller again until Wait returns.
func (h *Handle) AsyncRead(fd int, offset uint64, buf []byte) (*AsyncRead, error) {
	reg := registration.New(readContext{buf: buf})
	data := reg.Data()
	data.iovec[0] = iovecOf(data.buf)

	if err := h.queueAsyncReadv(fd, offset, data.iovec[:], reg.ToRaw()); err != nil {
		// The RawRegistration's handle was already minted by ToRaw above and
		// is released by queueAsyncReadv itself on this failure path; there
		// is nothing left here to undo.
		return nil, err
	}
	// The read is already queued on the ring; flushing here only expedites
	// it ahead of whatever the park loop is currently blocked on, so a
	// failure to flush is not fatal — the next Park call submits it anyway.
	h.flushSubmission()
	return &AsyncRead{reg: reg}, nil
}

// Wait blocks until the read completes, returning the number of bytes read
// and the original buffer. On cancellation via ctx, the registration is
// abandoned in place rather than released: the kernel may still write into
// buf after Wait returns, so callers that give up on a read must not reuse
// buf afterwards.
func (a *AsyncRead) Wait(ctx context.Context) (int, []byte, error) {
	result, data, err := a.reg.Wait(ctx)
	if err != nil {
		return 0, data.buf, err
	}
	if rerr := result.Err(); rerr != nil {
		return 0, data.buf, rerr
	}
	return int(result.Res), data.buf, nil
}
