//go:build linux

package sys

import (
	"unsafe"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// Setup creates a new io_uring instance.
// Returns the ring file descriptor on success, or an error.
func Setup(entries uint32, params *Params) (int, error) {
	fd, _, errno := unix.Syscall(
		SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(params)),
		0,
	)
	if errno != 0 {
		return 0, errors.Wrap(errno, "io_uring_setup")
	}
	return int(fd), nil
}

// Enter submits SQEs and/or waits for CQEs.
// toSubmit: number of SQEs to submit
// minComplete: minimum CQEs to wait for (if flags includes IORING_ENTER_GETEVENTS)
// flags: IORING_ENTER_* flags
// sig: optional signal mask (can be nil, pass unsafe.Pointer to sigset_t)
//
// Uses Syscall6 (not RawSyscall) to properly integrate with the Go scheduler:
// this call can block for an arbitrary time inside the kernel, and a raw
// syscall would prevent the runtime from handing the OS thread to another
// goroutine while it's parked there.
func Enter(fd int, toSubmit, minComplete, flags uint32, sig unsafe.Pointer) (int, error) {
	var sigPtr uintptr
	var sigSz uintptr
	if sig != nil {
		sigPtr = uintptr(sig)
		sigSz = 8 // sizeof(sigset_t) in bytes, as the kernel expects it here
	}

	n, _, errno := unix.Syscall6(
		SYS_IO_URING_ENTER,
		uintptr(fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags),
		sigPtr,
		sigSz,
	)
	if errno != 0 {
		return 0, errors.Wrap(errno, "io_uring_enter")
	}
	return int(n), nil
}

// EnterExt uses the extended enter argument (IORING_ENTER_EXT_ARG) to pass a
// kernel-side timeout alongside the usual submit/wait counts.
func EnterExt(fd int, toSubmit, minComplete, flags uint32, arg *GetEventsArg) (int, error) {
	n, _, errno := unix.Syscall6(
		SYS_IO_URING_ENTER,
		uintptr(fd),
		uintptr(toSubmit),
		uintptr(minComplete),
		uintptr(flags|IORING_ENTER_EXT_ARG),
		uintptr(unsafe.Pointer(arg)),
		unsafe.Sizeof(*arg),
	)
	if errno != 0 {
		return 0, errors.Wrap(errno, "io_uring_enter(ext_arg)")
	}
	return int(n), nil
}

// Register performs ring registration operations.
// opcode: IORING_REGISTER_* or IORING_UNREGISTER_*
// arg: operation-specific argument (can be nil)
// nrArgs: number of arguments
func Register(fd int, opcode uint32, arg unsafe.Pointer, nrArgs uint32) error {
	_, _, errno := unix.Syscall6(
		SYS_IO_URING_REGISTER,
		uintptr(fd),
		uintptr(opcode),
		uintptr(arg),
		uintptr(nrArgs),
		0,
		0,
	)
	if errno != 0 {
		return errors.Wrap(errno, "io_uring_register")
	}
	return nil
}

// RegisterBuffers registers fixed buffers for I/O.
func RegisterBuffers(fd int, iovecs []unix.Iovec) error {
	if len(iovecs) == 0 {
		return unix.EINVAL
	}
	return Register(fd, IORING_REGISTER_BUFFERS,
		unsafe.Pointer(&iovecs[0]), uint32(len(iovecs)))
}

// UnregisterBuffers removes registered buffers.
func UnregisterBuffers(fd int) error {
	return Register(fd, IORING_UNREGISTER_BUFFERS, nil, 0)
}

// RegisterFiles registers fixed file descriptors.
func RegisterFiles(fd int, fds []int32) error {
	if len(fds) == 0 {
		return unix.EINVAL
	}
	return Register(fd, IORING_REGISTER_FILES,
		unsafe.Pointer(&fds[0]), uint32(len(fds)))
}

// UnregisterFiles removes registered files.
func UnregisterFiles(fd int) error {
	return Register(fd, IORING_UNREGISTER_FILES, nil, 0)
}

// RegisterEventfd registers an eventfd for completion notification.
func RegisterEventfd(fd int, eventfd int) error {
	efd := int32(eventfd)
	return Register(fd, IORING_REGISTER_EVENTFD, unsafe.Pointer(&efd), 1)
}

// UnregisterEventfd removes the registered eventfd.
func UnregisterEventfd(fd int) error {
	return Register(fd, IORING_UNREGISTER_EVENTFD, nil, 0)
}

// RegisterEventfdAsync registers eventfd for async completion only.
func RegisterEventfdAsync(fd int, eventfd int) error {
	efd := int32(eventfd)
	return Register(fd, IORING_REGISTER_EVENTFD_ASYNC, unsafe.Pointer(&efd), 1)
}

// RegisterProbe queries supported operations.
func RegisterProbe(fd int, probe *Probe) error {
	return Register(fd, IORING_REGISTER_PROBE,
		unsafe.Pointer(probe), uint32(IORING_OP_LAST))
}

// Mmap wraps the mmap syscall for mapping ring buffers.
func Mmap(fd int, offset uint64, length int, prot, flags int) ([]byte, error) {
	data, err := unix.Mmap(fd, int64(offset), length, prot, flags)
	if err != nil {
		return nil, errors.Wrap(err, "mmap")
	}
	return data, nil
}

// Munmap unmaps a previously mapped region.
func Munmap(data []byte) error {
	return unix.Munmap(data)
}

// Pipe2 creates a pipe with the given flags (e.g. unix.O_CLOEXEC).
func Pipe2(flags int) (r, w int, err error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], flags); err != nil {
		return 0, 0, errors.Wrap(err, "pipe2")
	}
	return fds[0], fds[1], nil
}

// TimerfdCreate creates a monotonic timerfd for use as the reactor's
// internal wakeup-deadline source.
func TimerfdCreate() (int, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, 0)
	if err != nil {
		return 0, errors.Wrap(err, "timerfd_create")
	}
	return fd, nil
}

// TimerfdSetOneshot arms fd to fire once after d. A zero Timespec disarms it.
func TimerfdSetOneshot(fd int, d Timespec) error {
	spec := unix.ItimerSpec{
		Value: unix.Timespec{Sec: d.Sec, Nsec: d.Nsec},
	}
	if err := unix.TimerfdSettime(fd, 0, &spec, nil); err != nil {
		return errors.Wrap(err, "timerfd_settime")
	}
	return nil
}

// SetNonblock marks fd non-blocking.
func SetNonblock(fd int) error {
	return unix.SetNonblock(fd, true)
}
