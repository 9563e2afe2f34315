// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

package coordinator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/aegis-security/aegis/aegiserr"
	"github.com/aegis-security/aegis/geo"
	"github.com/aegis-security/aegis/lib/clock"
	"github.com/aegis-security/aegis/metrics"
	"github.com/aegis-security/aegis/ref"
	"github.com/aegis-security/aegis/registry"
	"github.com/aegis-security/aegis/wire"
)

// StreamServer handles one framed connection per agent device or
// supervisor console. Each connection runs a reader/writer goroutine
// pair: the reader owns inbound dispatch, the writer owns the
// session's outbox. The handshake is a single Hello/Welcome round
// trip; a failed handshake answers with an Error frame and closes.
type StreamServer struct {
	registry *registry.Registry
	pipeline *Pipeline
	clock    clock.Clock
	logger   *slog.Logger
	metrics  *metrics.Metrics
}

// NewStreamServer creates the connection handler.
func NewStreamServer(reg *registry.Registry, pipeline *Pipeline, clk clock.Clock, logger *slog.Logger, m *metrics.Metrics) *StreamServer {
	return &StreamServer{
		registry: reg,
		pipeline: pipeline,
		clock:    clk,
		logger:   logger,
		metrics:  m,
	}
}

// connWriter serializes frame writes: the outbox writer goroutine and
// the reader's ack/error replies share the connection.
type connWriter struct {
	mu   sync.Mutex
	conn net.Conn
}

func (w *connWriter) write(frame wire.Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return wire.WriteFrame(w.conn, frame)
}

// HandleConn serves one connection until it closes, the session is
// disconnected, or ctx is cancelled. Satisfies transport.ConnHandler.
func (s *StreamServer) HandleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	writer := &connWriter{conn: conn}

	// Server shutdown closes the connection, unblocking any read in
	// the handshake or the read loop.
	connDone := make(chan struct{})
	defer close(connDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-connDone:
		}
	}()

	session, ok := s.handshake(ctx, conn, writer)
	if !ok {
		return
	}
	s.metrics.SessionsActive.Inc()
	defer s.metrics.SessionsActive.Dec()

	// Writer goroutine: drains the outbox until the session ends or
	// ctx is cancelled (server shutdown). Closing the connection on
	// exit unblocks a reader mid-ReadFrame when the idle sweep
	// disconnects the session or the server drains.
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, session, writer)
		conn.Close()
	}()

	s.readLoop(ctx, session, conn, writer)

	// The disconnect closes session.Done(), which releases the writer.
	s.registry.Disconnect(session, "connection closed")
	<-writerDone
}

// handshake reads the Hello frame and registers the session. Any
// failure is answered with an Error frame; the caller closes the
// connection.
func (s *StreamServer) handshake(ctx context.Context, conn net.Conn, writer *connWriter) (*registry.Session, bool) {
	frame, err := wire.ReadFrame(conn)
	if err != nil {
		return nil, false
	}
	if frame.Type != wire.FrameHello {
		s.sendError(writer, aegiserr.New(aegiserr.KindValidation, "expected hello frame, got 0x%02x", frame.Type))
		return nil, false
	}
	var hello wire.Hello
	if err := wire.DecodePayload(frame, &hello); err != nil {
		s.sendError(writer, aegiserr.Wrap(aegiserr.KindValidation, err, "malformed hello"))
		return nil, false
	}

	session, err := s.registry.Register(ctx, hello.Token)
	if err != nil {
		s.sendError(writer, err)
		return nil, false
	}

	welcome, err := wire.NewFrame(wire.FrameWelcome, wire.Welcome{
		SessionID: session.ID,
		UserID:    string(session.Identity.UserID),
		Role:      string(session.Identity.Role),
	})
	if err != nil {
		s.registry.Disconnect(session, "handshake encode failure")
		return nil, false
	}
	if err := writer.write(welcome); err != nil {
		s.registry.Disconnect(session, "handshake write failure")
		return nil, false
	}
	return session, true
}

// writeLoop forwards the session outbox to the connection as Event
// frames. Returns when the session ends or ctx is cancelled.
func (s *StreamServer) writeLoop(ctx context.Context, session *registry.Session, writer *connWriter) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
			return
		case event := <-session.Outbox():
			frame, err := wire.NewFrame(wire.FrameEvent, event)
			if err != nil {
				s.logger.Error("encode event frame", "session_id", session.ID, "error", err)
				continue
			}
			if err := writer.write(frame); err != nil {
				s.registry.Disconnect(session, "write failure")
				return
			}
		}
	}
}

// readLoop dispatches inbound frames until the connection drops.
func (s *StreamServer) readLoop(ctx context.Context, session *registry.Session, conn net.Conn, writer *connWriter) {
	for {
		frame, err := wire.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("read frame", "session_id", session.ID, "error", err)
			}
			return
		}
		s.registry.Touch(session)

		switch frame.Type {
		case wire.FrameHeartbeat:
			// Touch above is the whole effect.
		case wire.FrameJoin, wire.FrameLeave:
			s.handleRoomChange(session, writer, frame)
		case wire.FrameSample:
			s.handleSample(ctx, session, writer, frame)
		default:
			s.sendError(writer, aegiserr.New(aegiserr.KindValidation, "unexpected frame type 0x%02x", frame.Type))
		}
	}
}

func (s *StreamServer) handleRoomChange(session *registry.Session, writer *connWriter, frame wire.Frame) {
	var change wire.RoomChange
	if err := wire.DecodePayload(frame, &change); err != nil {
		s.sendError(writer, aegiserr.Wrap(aegiserr.KindValidation, err, "malformed room change"))
		return
	}
	room, err := ref.ParseRoom(change.Room)
	if err != nil {
		s.sendError(writer, aegiserr.Wrap(aegiserr.KindValidation, err, "room change"))
		return
	}

	if frame.Type == wire.FrameLeave {
		s.registry.Leave(session, room)
		return
	}
	if err := s.registry.Join(session, room); err != nil {
		s.sendError(writer, err)
	}
}

// handleSample runs a Sample frame through the pipeline and answers
// with a SampleAck. Only agent sessions may push samples, and only
// for their own agent identity.
func (s *StreamServer) handleSample(ctx context.Context, session *registry.Session, writer *connWriter, frame wire.Frame) {
	if session.Identity.Role != ref.RoleAgent {
		s.sendError(writer, aegiserr.New(aegiserr.KindValidation, "role %s cannot push samples", session.Identity.Role))
		return
	}

	var sample geo.Sample
	if err := wire.DecodePayload(frame, &sample); err != nil {
		s.sendAck(writer, wire.SampleAck{Status: wire.SampleRejected, Reason: "malformed sample"})
		return
	}
	if sample.AgentID != session.Identity.AgentID {
		s.sendAck(writer, wire.SampleAck{
			Status: wire.SampleRejected,
			Reason: "sample agent does not match session identity",
		})
		return
	}

	result, err := s.pipeline.HandleSample(ctx, sample)
	if err != nil {
		ack := wire.SampleAck{Status: wire.SampleRejected, Reason: err.Error()}
		var coordErr *aegiserr.Error
		if errors.As(err, &coordErr) {
			ack.Reason = coordErr.Message
		}
		s.sendAck(writer, ack)
		return
	}
	s.sendAck(writer, wire.SampleAck{Status: string(result.Outcome)})
}

func (s *StreamServer) sendAck(writer *connWriter, ack wire.SampleAck) {
	frame, err := wire.NewFrame(wire.FrameSampleAck, ack)
	if err != nil {
		s.logger.Error("encode sample ack", "error", err)
		return
	}
	if err := writer.write(frame); err != nil {
		s.logger.Debug("write sample ack", "error", err)
	}
}

// sendError maps an error to its wire taxonomy kind and writes an
// Error frame. Uncategorized errors surface as VALIDATION.
func (s *StreamServer) sendError(writer *connWriter, err error) {
	payload := wire.ErrorPayload{Kind: string(aegiserr.KindValidation), Message: err.Error()}
	var coordErr *aegiserr.Error
	if errors.As(err, &coordErr) {
		payload.Kind = string(coordErr.Kind)
		payload.Message = coordErr.Message
	}
	frame, encodeErr := wire.NewFrame(wire.FrameError, payload)
	if encodeErr != nil {
		s.logger.Error("encode error frame", "error", encodeErr)
		return
	}
	if writeErr := writer.write(frame); writeErr != nil {
		s.logger.Debug("write error frame", "error", writeErr)
	}
}
