//go:build linux

// Command uringecho is a small TCP echo server exercising the reactor end
// to end: accept, read-with-timeout, echo, repeat until EOF or an idle
// timeout, serving any number of connections concurrently off one io_uring
// instance. It is the Go counterpart of echo-async's main.rs/serve_tcp.rs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/halvorsen/uringd/netio"
	"github.com/halvorsen/uringd/uringrt"
	"github.com/halvorsen/uringd/uringtime"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "uringecho",
		Short: "TCP echo server backed by an io_uring reactor",
		RunE:  runServe,
	}

	cmd.Flags().StringP("addr", "a", "127.0.0.1:9000", "address to listen on")
	cmd.Flags().Duration("read-timeout", 3*time.Second, "timeout for each read from a connection")
	cmd.Flags().Duration("idle-timeout", 30*time.Second, "timeout waiting for the next incoming connection")
	cmd.Flags().Bool("verbose", false, "enable debug logging")

	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	addr, err := cmd.Flags().GetString("addr")
	if err != nil {
		return err
	}
	readTimeout, err := cmd.Flags().GetDuration("read-timeout")
	if err != nil {
		return err
	}
	idleTimeout, err := cmd.Flags().GetDuration("idle-timeout")
	if err != nil {
		return err
	}
	verbose, err := cmd.Flags().GetBool("verbose")
	if err != nil {
		return err
	}

	logger := log.New(os.Stderr)
	if verbose {
		logger.SetLevel(log.DebugLevel)
	}

	rt, err := uringrt.New(logger)
	if err != nil {
		return errors.Wrap(err, "uringecho: new runtime")
	}

	ln, err := netio.Listen(rt.Handle(), addr)
	if err != nil {
		return errors.Wrap(err, "uringecho: listen")
	}
	logger.Info("listening", "addr", ln.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runDone := make(chan error, 1)
	go func() {
		runDone <- rt.Run(rt.Context())
	}()

	acceptDone := make(chan struct{})
	rt.Spawn(func(taskCtx context.Context) error {
		defer close(acceptDone)
		return acceptLoop(taskCtx, logger, ln, rt, readTimeout, idleTimeout)
	})

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case <-acceptDone:
		logger.Info("accept loop stopped")
	}

	if err := ln.Close(); err != nil {
		logger.Warn("close listener", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rt.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "uringecho: shutdown")
	}

	if err := <-runDone; err != nil {
		return errors.Wrap(err, "uringecho: run")
	}
	return nil
}

func acceptLoop(ctx context.Context, logger *log.Logger, ln *netio.Listener, rt *uringrt.Runtime, readTimeout, idleTimeout time.Duration) error {
	for {
		conn, err := uringtime.After(ctx, idleTimeout, func(inner context.Context) (*netio.Conn, error) {
			return ln.Incoming(inner)
		})
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			var timeoutErr *uringtime.TimeoutError
			if errors.As(err, &timeoutErr) {
				logger.Debug("no new connection within idle timeout, still listening")
				continue
			}
			return errors.Wrap(err, "uringecho: accept")
		}

		id := uuid.New()
		connLogger := logger.With("conn", id.String(), "remote", conn.RemoteAddr())
		rt.Spawn(func(taskCtx context.Context) error {
			handleConnection(taskCtx, connLogger, conn, readTimeout)
			return nil
		})
	}
}

func handleConnection(ctx context.Context, logger *log.Logger, conn *netio.Conn, readTimeout time.Duration) {
	logger.Info("connection accepted")
	defer conn.Close()
	defer logger.Info("connection closed")

	buf := make([]byte, 512)
	for {
		n, err := uringtime.After(ctx, readTimeout, func(inner context.Context) (int, error) {
			return conn.Read(inner, buf)
		})
		if err != nil {
			var timeoutErr *uringtime.TimeoutError
			switch {
			case errors.As(err, &timeoutErr):
				logger.Warn("read timed out")
			case errors.Is(err, context.Canceled):
			default:
				logger.Error("read error", "error", err)
			}
			return
		}
		if n == 0 {
			logger.Info("peer closed connection")
			return
		}

		logger.Debug("echoing", "bytes", n)
		if _, err := conn.Write(ctx, buf[:n]); err != nil {
			logger.Error("write error", "error", err)
			return
		}
	}
}
