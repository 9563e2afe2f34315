// Copyright 2026 The Aegis Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the framed stream protocol between the
// coordination engine and its clients (agent devices and supervisor
// consoles). Each frame is a 5-byte header (1 byte type + 4 byte
// big-endian payload length) followed by a CBOR payload.
//
// The handshake is one round trip: the client sends Hello with its
// session token, the server answers Welcome (or Error and closes).
// After the handshake, agents push Sample and Heartbeat frames and
// receive SampleAck; consoles send Join/Leave and receive Event
// frames from the broadcast router.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/aegis-security/aegis/lib/codec"
	"github.com/aegis-security/aegis/ref"
)

// Frame type constants.
const (
	// FrameHello opens a connection: client → server, carries the
	// session token. Payload: Hello.
	FrameHello byte = 0x01

	// FrameWelcome acknowledges a successful handshake. Payload: Welcome.
	FrameWelcome byte = 0x02

	// FrameJoin subscribes the session to a room. Payload: RoomChange.
	FrameJoin byte = 0x03

	// FrameLeave unsubscribes the session from a room. Payload: RoomChange.
	FrameLeave byte = 0x04

	// FrameSample carries one location sample: agent → server.
	// Payload: Sample (defined by package geo, CBOR-tagged).
	FrameSample byte = 0x05

	// FrameSampleAck answers each Sample with the ingest outcome.
	// Payload: SampleAck.
	FrameSampleAck byte = 0x06

	// FrameEvent carries a broadcast event: server → client.
	// Payload: Event.
	FrameEvent byte = 0x07

	// FrameError carries a terminal or per-request error. Payload:
	// ErrorPayload. Handshake errors close the connection.
	FrameError byte = 0x08

	// FrameHeartbeat refreshes the session's last-seen time. Empty
	// payload.
	FrameHeartbeat byte = 0x09
)

// headerLength is the fixed frame header size: 1 byte type + 4 bytes
// payload length.
const headerLength = 5

// maxPayloadLength bounds a single frame payload. Location samples and
// alert events are well under 1 KB; 256 KB leaves room for queued-event
// flush batching without letting a hostile client allocate gigabytes.
const maxPayloadLength = 256 * 1024

// Frame is a single protocol frame, payload still CBOR-encoded.
type Frame struct {
	Type    byte
	Payload []byte
}

// WriteFrame writes a framed message to w.
func WriteFrame(w io.Writer, frame Frame) error {
	var header [headerLength]byte
	header[0] = frame.Type
	binary.BigEndian.PutUint32(header[1:5], uint32(len(frame.Payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if len(frame.Payload) > 0 {
		if _, err := w.Write(frame.Payload); err != nil {
			return fmt.Errorf("write frame payload: %w", err)
		}
	}
	return nil
}

// ReadFrame reads one framed message from r. Returns an error if the
// stream is malformed or the payload exceeds maxPayloadLength.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [headerLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, fmt.Errorf("read frame header: %w", err)
	}
	payloadLength := binary.BigEndian.Uint32(header[1:5])
	if payloadLength > maxPayloadLength {
		return Frame{}, fmt.Errorf("payload length %d exceeds maximum %d", payloadLength, maxPayloadLength)
	}
	payload := make([]byte, payloadLength)
	if payloadLength > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return Frame{}, fmt.Errorf("read frame payload: %w", err)
		}
	}
	return Frame{Type: header[0], Payload: payload}, nil
}

// NewFrame CBOR-encodes payload into a frame of the given type.
func NewFrame(frameType byte, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Type: frameType}, nil
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Frame{}, fmt.Errorf("encode frame payload: %w", err)
	}
	return Frame{Type: frameType, Payload: encoded}, nil
}

// Hello is the client's opening frame.
type Hello struct {
	// Token is the session token issued by the platform's auth
	// service. Validated once at registration.
	Token string `cbor:"token"`
}

// Welcome confirms registration.
type Welcome struct {
	SessionID string `cbor:"session_id"`
	UserID    string `cbor:"user_id"`
	Role      string `cbor:"role"`
}

// RoomChange is the payload for Join and Leave frames.
type RoomChange struct {
	Room string `cbor:"room"`
}

// Sample ingest outcomes carried by SampleAck.
const (
	// SampleAccepted: the sample passed validation and was broadcast.
	SampleAccepted = "accepted"
	// SampleDroppedStale: older than the last accepted sample for the
	// agent. Dropped, not an error.
	SampleDroppedStale = "dropped_stale"
	// SampleDiscardedAccuracy: accuracy worse than the configured
	// ceiling. Audited but not broadcast.
	SampleDiscardedAccuracy = "discarded_accuracy"
	// SampleRejected: validation failure (no active shift, malformed
	// coordinates). Carries a reason.
	SampleRejected = "rejected"
)

// SampleAck reports the outcome of one Sample frame.
type SampleAck struct {
	Status string `cbor:"status"`
	Reason string `cbor:"reason,omitempty"`
}

// ErrorPayload carries a categorized failure to the client.
type ErrorPayload struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

// Event kinds published by the broadcast router.
const (
	EventLocation  = "location"
	EventViolation = "violation"
	EventAlert     = "alert"
	EventPresence  = "presence"
)

// Event is the broadcast envelope fanned out to room subscribers and
// queued for offline recipients. Seq is assigned by the router per
// room in publish order; recipients can use it to detect gaps.
type Event struct {
	Kind    string           `cbor:"kind"`
	Room    ref.RoomID       `cbor:"room"`
	Seq     uint64           `cbor:"seq"`
	At      time.Time        `cbor:"at"`
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// NewEvent builds an event envelope, CBOR-encoding the payload. Seq is
// filled in by the router at publish time.
func NewEvent(kind string, room ref.RoomID, at time.Time, payload any) (Event, error) {
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s event payload: %w", kind, err)
	}
	return Event{Kind: kind, Room: room, At: at, Payload: encoded}, nil
}

// DecodeInto decodes the event's payload into v.
func (e Event) DecodeInto(v any) error {
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s event payload: %w", e.Kind, err)
	}
	return nil
}

// DecodePayload decodes a frame's CBOR payload into v.
func DecodePayload(frame Frame, v any) error {
	if err := codec.Unmarshal(frame.Payload, v); err != nil {
		return fmt.Errorf("decode frame type 0x%02x payload: %w", frame.Type, err)
	}
	return nil
}
