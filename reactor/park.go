//go:build linux

package reactor

import (
	"sync/atomic"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/halvorsen/uringd/internal/sys"
)

// park is the cross-thread wakeup primitive the reactor polls alongside its
// own completions. A single byte written to the pipe's write end crosses
// into the ring's poll via an IORING_OP_POLL_ADD on the read end, letting
// any goroutine — not just the one running the park loop — interrupt a
// blocked io_uring_enter call.
type park struct {
	readFD, writeFD int
	pending         atomic.Bool
	entered         atomic.Bool
}

func newPark() (*park, error) {
	r, w, err := sys.Pipe2(unix.O_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "park: create pipe")
	}
	if err := sys.SetNonblock(w); err != nil {
		unix.Close(r)
		unix.Close(w)
		return nil, errors.Wrap(err, "park: set write end non-blocking")
	}
	return &park{readFD: r, writeFD: w}, nil
}

func (p *park) fd() int {
	return p.readFD
}

func (p *park) close() error {
	errR := unix.Close(p.readFD)
	errW := unix.Close(p.writeFD)
	if errR != nil {
		return errR
	}
	return errW
}

// unpark wakes a blocked park loop. Safe to call from any goroutine,
// including one that is not the one running the park loop itself.
func (p *park) unpark() {
	if p.pending.Swap(true) {
		return // already pending, no need to write again
	}
	if p.entered.Load() {
		unix.Write(p.writeFD, []byte("u"))
	}
}

// Pending reports whether an unpark is outstanding.
func (p *park) Pending() bool {
	return p.pending.Load()
}

func (p *park) clearUnpark() {
	p.pending.Store(false)
}

// clearEvent drains the byte(s) written by unpark, rearming the pipe for
// the next poll.
func (p *park) clearEvent() {
	var buf [16]byte
	unix.Read(p.readFD, buf[:])
}

// parkEntered brackets the single io_uring_enter call the park loop makes
// while potentially blocking. If an unpark raced in after the loop decided
// to wait but before entered was observably true, allowWait is false and
// the caller must not actually block.
type parkEntered struct {
	allowWait bool
	p         *park
}

func (p *park) enter() *parkEntered {
	p.entered.Store(true)
	allow := !p.pending.Load()
	return &parkEntered{allowWait: allow, p: p}
}

// release must be called when the bracketed io_uring_enter call returns.
func (pe *parkEntered) release() {
	pe.p.entered.Store(false)
	pe.p.clearUnpark()
}
