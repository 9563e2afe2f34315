// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package transport provides the raw bidirectional channel the
// coordination engine sits on: a Listener accepting client streams and
// a Dialer for clients and tests. The engine never sees transport
// details — it receives net.Conn values and speaks the wire protocol
// over them. TLS termination happens in front of the engine and is out
// of scope here.
package transport

import (
	"context"
	"net"
	"time"
)

// ConnHandler processes one accepted connection. The handler owns the
// connection and must close it. Handlers run on their own goroutines;
// the listener tracks them for graceful drain.
type ConnHandler func(ctx context.Context, conn net.Conn)

// Listener accepts inbound client streams.
type Listener interface {
	// Serve accepts connections and dispatches each to handler on its
	// own goroutine. Blocks until ctx is cancelled or Close is called,
	// then waits for in-flight handlers to return. Returns nil on
	// clean shutdown.
	Serve(ctx context.Context, handler ConnHandler) error

	// Address returns the bound address in a transport-specific format
	// ("host:port" for TCP, the socket path for unix).
	Address() string

	// Close shuts down the listener. Safe to call concurrently with
	// Serve.
	Close() error
}

// Dialer opens a connection to a coordination engine.
type Dialer interface {
	// DialContext connects to the engine at the given address.
	DialContext(ctx context.Context, address string) (net.Conn, error)
}

// TCPDialer dials over TCP. The zero value is usable.
type TCPDialer struct {
	// Timeout bounds connection establishment. Zero means only the
	// context deadline applies.
	Timeout time.Duration
}

// DialContext opens a TCP connection to address (host:port).
func (d *TCPDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "tcp", address)
}

// UnixDialer dials a unix domain socket. Used by same-host
// collaborators (the REST layer in front of the engine, local tests).
type UnixDialer struct {
	Timeout time.Duration
}

// DialContext opens a connection to the socket at address.
func (d *UnixDialer) DialContext(ctx context.Context, address string) (net.Conn, error) {
	return (&net.Dialer{Timeout: d.Timeout}).DialContext(ctx, "unix", address)
}
