// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
)

// Compile-time interface checks.
var (
	_ Listener = (*StreamListener)(nil)
	_ Dialer   = (*TCPDialer)(nil)
	_ Dialer   = (*UnixDialer)(nil)
)

// StreamListener implements Listener over any net.Listener. Use
// ListenTCP or ListenUnix to construct one.
type StreamListener struct {
	inner  net.Listener
	logger *slog.Logger

	// socketPath is non-empty for unix listeners; the file is removed
	// on Close.
	socketPath string

	// handlers tracks in-flight connection handlers for graceful drain.
	handlers sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// ListenTCP binds a TCP listener on address (e.g. ":7420", use ":0"
// for a random port in tests).
func ListenTCP(address string, logger *slog.Logger) (*StreamListener, error) {
	inner, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen tcp %s: %w", address, err)
	}
	return &StreamListener{inner: inner, logger: logger}, nil
}

// ListenUnix binds a unix socket listener at path, removing any stale
// socket file left by a previous run.
func ListenUnix(path string, logger *slog.Logger) (*StreamListener, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", path, err)
	}
	inner, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	return &StreamListener{inner: inner, logger: logger, socketPath: path}, nil
}

// Serve accepts connections until ctx is cancelled or Close is called,
// dispatching each to handler on its own goroutine, then waits for
// in-flight handlers to return.
func (l *StreamListener) Serve(ctx context.Context, handler ConnHandler) error {
	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		l.Close()
	}()

	l.logger.Info("transport listening", "address", l.Address())

	for {
		conn, err := l.inner.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Error("accept failed", "error", err)
			continue
		}

		l.handlers.Add(1)
		go func() {
			defer l.handlers.Done()
			handler(ctx, conn)
		}()
	}

	l.handlers.Wait()
	return nil
}

// Address returns the bound address.
func (l *StreamListener) Address() string {
	if l.socketPath != "" {
		return l.socketPath
	}
	return l.inner.Addr().String()
}

// Close shuts down the listener and removes the socket file for unix
// listeners. Idempotent.
func (l *StreamListener) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.inner.Close()
		if l.socketPath != "" {
			os.Remove(l.socketPath)
		}
	})
	return l.closeErr
}
