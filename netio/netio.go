//go:build linux

// Package netio adapts raw TCP sockets to the reactor's async read, write
// and poll primitives. It intentionally bypasses the standard library's
// net package for the actual socket lifecycle: net.TCPListener/TCPConn
// multiplex through Go's own runtime netpoller, which would quietly
// compete with the reactor for the same fds. Sockets here are created,
// bound, and accepted directly via golang.org/x/sys/unix, the same way
// the original wraps std::net (itself a thin blocking syscall wrapper)
// with a single call to mark the fd non-blocking.
package netio

import (
	"context"
	"net"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/halvorsen/uringd/internal/sys"
	"github.com/halvorsen/uringd/reactor"
)

// Listener is a non-blocking IPv4 TCP listener driven through a reactor.
type Listener struct {
	fd     int
	addr   *net.TCPAddr
	handle *reactor.Handle
}

// Listen creates, binds and listens on addr (host:port, IPv4), wiring the
// listener's accept loop to handle.
func Listen(handle *reactor.Handle, addr string) (*Listener, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "netio: resolve address")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "netio: socket")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netio: setsockopt SO_REUSEADDR")
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip := tcpAddr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netio: bind")
	}
	if err := unix.Listen(fd, 128); err != nil {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netio: listen")
	}
	if err := sys.SetNonblock(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	boundAddr, err := getsockname4(fd)
	if err != nil {
		unix.Close(fd)
		return nil, err
	}

	return &Listener{fd: fd, addr: boundAddr, handle: handle}, nil
}

func getsockname4(fd int) (*net.TCPAddr, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, errors.Wrap(err, "netio: getsockname")
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, errors.Errorf("netio: unexpected sockaddr type %T", sa)
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, sa4.Addr[:])
	return &net.TCPAddr{IP: ip, Port: sa4.Port}, nil
}

// Addr returns the listener's bound address.
func (l *Listener) Addr() net.Addr {
	return l.addr
}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	return unix.Close(l.fd)
}

// Incoming runs the accept loop: non-blocking accept4, falling back to
// AsyncPoll(IN) on EAGAIN, until ctx is done or accept fails for another
// reason. Each returned Conn is itself non-blocking.
func (l *Listener) Incoming(ctx context.Context) (*Conn, error) {
	poll := l.handle.AsyncPoll(l.fd, unix.POLLIN)
	for {
		connFD, _, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return &Conn{handle: l.handle, fd: connFD}, nil
		}
		if !errors.Is(err, unix.EAGAIN) {
			return nil, errors.Wrap(err, "netio: accept4")
		}
		if _, err := poll.Next(ctx); err != nil {
			return nil, err
		}
	}
}

// Dial connects to addr (host:port, IPv4) and returns a non-blocking Conn
// driven through handle's reactor.
func Dial(ctx context.Context, handle *reactor.Handle, addr string) (*Conn, error) {
	tcpAddr, err := net.ResolveTCPAddr("tcp4", addr)
	if err != nil {
		return nil, errors.Wrap(err, "netio: resolve address")
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "netio: socket")
	}
	if err := sys.SetNonblock(fd); err != nil {
		unix.Close(fd)
		return nil, err
	}

	sa := &unix.SockaddrInet4{Port: tcpAddr.Port}
	if ip := tcpAddr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	}

	err = unix.Connect(fd, sa)
	if err != nil && !errors.Is(err, unix.EINPROGRESS) {
		unix.Close(fd)
		return nil, errors.Wrap(err, "netio: connect")
	}
	if err != nil {
		poll := handle.AsyncPoll(fd, unix.POLLOUT)
		if _, err := poll.Next(ctx); err != nil {
			unix.Close(fd)
			return nil, err
		}
		if serr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr == nil && serr != 0 {
			unix.Close(fd)
			return nil, errors.Wrap(unix.Errno(serr), "netio: connect")
		}
	}

	return &Conn{handle: handle, fd: fd}, nil
}

// Conn is one TCP connection, readable/writable via the reactor.
type Conn struct {
	handle *reactor.Handle
	fd     int
}

// Fd returns the connection's raw file descriptor.
func (c *Conn) Fd() int { return c.fd }

// RemoteAddr returns the address of the connection's peer.
func (c *Conn) RemoteAddr() net.Addr {
	sa, err := unix.Getpeername(c.fd)
	if err != nil {
		return nil
	}
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil
	}
	ip := make(net.IP, net.IPv4len)
	copy(ip, sa4.Addr[:])
	return &net.TCPAddr{IP: ip, Port: sa4.Port}
}

// Read performs one async read into buf, blocking the caller until it
// completes.
func (c *Conn) Read(ctx context.Context, buf []byte) (int, error) {
	op, err := c.handle.AsyncRead(c.fd, 0, buf)
	if err != nil {
		return 0, err
	}
	n, _, err := op.Wait(ctx)
	return n, err
}

// Write performs one async write of buf, blocking the caller until it
// completes.
func (c *Conn) Write(ctx context.Context, buf []byte) (int, error) {
	op, err := c.handle.AsyncWrite(c.fd, 0, buf)
	if err != nil {
		return 0, err
	}
	n, _, err := op.Wait(ctx)
	return n, err
}

// Close closes the underlying socket.
func (c *Conn) Close() error {
	return unix.Close(c.fd)
}

// Split returns independent read and write halves of the connection, each
// safe to drive from its own goroutine. This supplements the original's
// Rc-counted SplitRead/SplitWrite: Go needs no reference counting for it,
// since both halves just share the same *Conn and its fd stays open until
// Close is called, which callers coordinate themselves (typically after
// both the reader and writer goroutines have returned).
func (c *Conn) Split() (*ReadHalf, *WriteHalf) {
	return &ReadHalf{c}, &WriteHalf{c}
}

// ReadHalf is the read-only view of a split Conn.
type ReadHalf struct{ c *Conn }

// Read delegates to the underlying Conn.
func (r *ReadHalf) Read(ctx context.Context, buf []byte) (int, error) {
	return r.c.Read(ctx, buf)
}

// WriteHalf is the write-only view of a split Conn.
type WriteHalf struct{ c *Conn }

// Write delegates to the underlying Conn.
func (w *WriteHalf) Write(ctx context.Context, buf []byte) (int, error) {
	return w.c.Write(ctx, buf)
}
