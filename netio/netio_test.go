//go:build linux

package netio

import (
	"context"
	"errors"
	"syscall"
	"testing"
	"time"

	"github.com/halvorsen/uringd/reactor"
)

func skipIfNoIOURing(t *testing.T) *reactor.Reactor {
	t.Helper()
	re, err := reactor.New(nil)
	if err != nil {
		if errors.Is(err, syscall.ENOSYS) {
			t.Skip("io_uring not supported on this kernel")
		}
		if errors.Is(err, syscall.EPERM) {
			t.Skip("io_uring blocked by seccomp or permissions")
		}
		t.Skipf("io_uring unavailable: %v", err)
	}
	return re
}

func TestListenDialEcho(t *testing.T) {
	re := skipIfNoIOURing(t)
	defer re.Close()

	handle := re.Handle()
	ln, err := Listen(handle, "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen error = %v", err)
	}
	defer ln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := ln.Incoming(ctx)
		if err != nil {
			serverDone <- err
			return
		}
		defer conn.Close()

		buf := make([]byte, 64)
		n, err := conn.Read(ctx, buf)
		if err != nil {
			serverDone <- err
			return
		}
		if _, err := conn.Write(ctx, buf[:n]); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	clientDone := make(chan error, 1)
	var client *Conn
	go func() {
		var err error
		client, err = Dial(ctx, handle, ln.Addr().String())
		if err != nil {
			clientDone <- err
			return
		}
		if _, err := client.Write(ctx, []byte("ping")); err != nil {
			clientDone <- err
			return
		}
		buf := make([]byte, 64)
		n, err := client.Read(ctx, buf)
		if err != nil {
			clientDone <- err
			return
		}
		if string(buf[:n]) != "ping" {
			clientDone <- errors.New("echoed data mismatch")
			return
		}
		clientDone <- nil
	}()

	var serverErr, clientErr error
	pending := 2
	for pending > 0 {
		select {
		case serverErr = <-serverDone:
			pending--
		case clientErr = <-clientDone:
			pending--
		default:
			if err := re.ParkTimeout(20 * time.Millisecond); err != nil {
				t.Fatalf("ParkTimeout error = %v", err)
			}
		}
	}

	if serverErr != nil {
		t.Fatalf("server error = %v", serverErr)
	}
	if clientErr != nil {
		t.Fatalf("client error = %v", clientErr)
	}
	if client != nil {
		client.Close()
	}
}
