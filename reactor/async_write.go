//go:build linux

package reactor

import (
	"context"

	"golang.org/x/sys/unix"

	"github.com/halvorsen/uringd/registration"
)

type writeContext struct {
	iovec [1]unix.Iovec
	buf   []byte
}

// AsyncWrite is a single in-flight vectored write.
type AsyncWrite struct {
	reg *registration.Registration[writeContext]
}

// AsyncWrite submits a writev of buf to fd at offset. buf must not be
// mutated by the caller until Wait returns.
func (h *Handle) AsyncWrite(fd int, offset uint64, buf []byte) (*AsyncWrite, error) {
	reg := registration.New(writeContext{buf: buf})
	data := reg.Data()
	data.iovec[0] = iovecOf(data.buf)

	if err := h.queueAsyncWritev(fd, offset, data.iovec[:], reg.ToRaw()); err != nil {
		// The RawRegistration's handle was already minted by ToRaw above and
		// is released by queueAsyncWritev itself on this failure path; there
		// is nothing left here to undo.
		return nil, err
	}
	h.flushSubmission()
	return &AsyncWrite{reg: reg}, nil
}

// Wait blocks until the write completes, returning the number of bytes
// written and the original buffer. On cancellation via ctx, the
// registration is abandoned in place rather than released: the kernel may
// still read from buf after Wait returns, so callers that give up on a write
// must not reuse buf afterwards.
func (a *AsyncWrite) Wait(ctx context.Context) (int, []byte, error) {
	result, data, err := a.reg.Wait(ctx)
	if err != nil {
		return 0, data.buf, err
	}
	if rerr := result.Err(); rerr != nil {
		return 0, data.buf, rerr
	}
	return int(result.Res), data.buf, nil
}
