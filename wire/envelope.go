// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/crosstalk-foundation/crosstalk/lib/codec"
)

// ProtocolVersion is the current relay protocol version. Carried in
// every envelope; the daemon accepts any version it can parse and
// ignores fields it does not understand.
const ProtocolVersion = 1

// Known envelope types. Any other type string is legal on the wire and
// is relayed opaquely.
const (
	TypeHello   = "hello"
	TypeWelcome = "welcome"
	TypeSend    = "send"
	TypeAck     = "ack"
	TypePing    = "ping"
	TypePong    = "pong"
	TypeError   = "error"
	TypeBye     = "bye"
)

// Broadcast is the send recipient meaning "every connected agent
// except the sender".
const Broadcast = "*"

// Envelope is one discrete protocol message. Envelopes are immutable
// once constructed; the payload is pre-encoded CBOR so relaying an
// envelope never re-serializes a body the daemon does not understand.
type Envelope struct {
	// Version is the protocol version of the sender.
	Version int `cbor:"v"`

	// Type is the envelope type, one of the Type constants or a
	// free-form extension type.
	Type string `cbor:"type"`

	// ID uniquely identifies this envelope (UUIDv4). Ack payloads
	// reference it.
	ID string `cbor:"id"`

	// Timestamp is the sender's clock at construction, in Unix
	// milliseconds. Informational only; the daemon never orders by it.
	Timestamp int64 `cbor:"ts"`

	// Payload is the type-specific payload, already CBOR-encoded.
	// Empty for bye.
	Payload codec.RawMessage `cbor:"payload,omitempty"`
}

// HelloPayload is the client's half of the handshake.
type HelloPayload struct {
	// Agent is the name the client wants to claim (e.g., "alice").
	// Subject to team validation against the peer's kernel identity.
	Agent string `cbor:"agent"`

	// CLI identifies the connecting tool ("claude-code", "aider", ...).
	CLI string `cbor:"cli,omitempty"`

	// Program is the program or project the agent is working in.
	Program string `cbor:"program,omitempty"`

	// Model is the backing model identifier, when the agent is one.
	Model string `cbor:"model,omitempty"`

	// Task is a short free-form description of the agent's task.
	Task string `cbor:"task,omitempty"`

	// WorkingDir is the agent process's working directory.
	WorkingDir string `cbor:"cwd,omitempty"`

	// ResumeToken, when set, asks to resume a previous session. The
	// daemon always declines with RESUME_TOO_OLD and proceeds with a
	// fresh session.
	ResumeToken string `cbor:"resume_token,omitempty"`
}

// Limits are the server-side protocol limits announced in welcome.
type Limits struct {
	// MaxFrameBytes is the largest frame the daemon will accept or
	// emit on this connection.
	MaxFrameBytes int `cbor:"max_frame_bytes"`

	// HeartbeatMillis is the daemon's ping interval. A client that
	// sees no ping for several intervals should assume the daemon is
	// gone and reconnect.
	HeartbeatMillis int64 `cbor:"heartbeat_ms"`
}

// WelcomePayload is the daemon's half of the handshake. It never
// carries a resume token: offering one would invite clients into a
// resume/reject/reconnect loop, since resume is always declined.
type WelcomePayload struct {
	// SessionID is the fresh identifier for this session (UUIDv4).
	SessionID string `cbor:"session_id"`

	// Limits are the negotiated server limits.
	Limits Limits `cbor:"limits"`
}

// SendPayload is an application message addressed to one agent or
// broadcast to all. The body is opaque to the relay.
type SendPayload struct {
	// To is the recipient agent name, or Broadcast.
	To string `cbor:"to"`

	// From is the sender agent name. The daemon overwrites this with
	// the authenticated connection identity before routing, so
	// recipients can trust it.
	From string `cbor:"from,omitempty"`

	// Topic groups related messages into a stream. Sequence numbers
	// are per (topic, recipient).
	Topic string `cbor:"topic,omitempty"`

	// Seq is the daemon-assigned per-(topic,recipient) sequence
	// number, strictly increasing from 1. Zero before routing.
	Seq uint64 `cbor:"seq,omitempty"`

	// Body is the application payload, relayed byte-for-byte.
	Body codec.RawMessage `cbor:"body,omitempty"`
}

// PingPayload carries a heartbeat nonce.
type PingPayload struct {
	Nonce string `cbor:"nonce"`
}

// PongPayload echoes a ping nonce.
type PongPayload struct {
	Nonce string `cbor:"nonce"`
}

// AckPayload references a previously received envelope.
type AckPayload struct {
	// MessageID is the ID of the envelope being acknowledged.
	MessageID string `cbor:"message_id"`
}

// ErrorPayload reports a protocol error to the peer.
type ErrorPayload struct {
	// Code is one of the closed ErrorCode set.
	Code ErrorCode `cbor:"code"`

	// Message is a human-readable description.
	Message string `cbor:"message"`

	// Fatal is true when the daemon will tear the connection down
	// after this envelope.
	Fatal bool `cbor:"fatal"`

	// RetryAfterMillis is set for RATE_LIMITED: the time until the
	// denied operation would succeed, rounded up.
	RetryAfterMillis int64 `cbor:"retry_after_ms,omitempty"`
}

// New constructs an envelope of the given type with a fresh ID and the
// given timestamp. The payload is CBOR-encoded immediately; pass nil
// for payload-free types (bye).
func New(now time.Time, envelopeType string, payload any) (Envelope, error) {
	envelope := Envelope{
		Version:   ProtocolVersion,
		Type:      envelopeType,
		ID:        uuid.NewString(),
		Timestamp: now.UnixMilli(),
	}
	if payload != nil {
		encoded, err := codec.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("encoding %s payload: %w", envelopeType, err)
		}
		envelope.Payload = encoded
	}
	return envelope, nil
}

// NewHello constructs a hello envelope.
func NewHello(now time.Time, payload HelloPayload) (Envelope, error) {
	return New(now, TypeHello, payload)
}

// NewWelcome constructs a welcome envelope.
func NewWelcome(now time.Time, payload WelcomePayload) (Envelope, error) {
	return New(now, TypeWelcome, payload)
}

// NewSend constructs a send envelope.
func NewSend(now time.Time, payload SendPayload) (Envelope, error) {
	return New(now, TypeSend, payload)
}

// NewAck constructs an ack envelope referencing messageID.
func NewAck(now time.Time, messageID string) (Envelope, error) {
	return New(now, TypeAck, AckPayload{MessageID: messageID})
}

// NewPing constructs a ping envelope with a fresh random nonce.
func NewPing(now time.Time) (Envelope, error) {
	return New(now, TypePing, PingPayload{Nonce: NewNonce()})
}

// NewPong constructs a pong envelope echoing nonce.
func NewPong(now time.Time, nonce string) (Envelope, error) {
	return New(now, TypePong, PongPayload{Nonce: nonce})
}

// NewError constructs an error envelope.
func NewError(now time.Time, payload ErrorPayload) (Envelope, error) {
	return New(now, TypeError, payload)
}

// NewBye constructs a bye envelope. Bye has no payload.
func NewBye(now time.Time) (Envelope, error) {
	return New(now, TypeBye, nil)
}

// DecodePayload decodes the envelope's payload into v. Decoding is
// tolerant of unknown fields (see lib/codec).
func (e Envelope) DecodePayload(v any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	if err := codec.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decoding %s payload: %w", e.Type, err)
	}
	return nil
}

// nonceSize is the size of a heartbeat nonce in bytes (hex-encoded on
// the wire).
const nonceSize = 8

// NewNonce returns a fresh random correlation nonce.
func NewNonce() string {
	buffer := make([]byte, nonceSize)
	if _, err := rand.Read(buffer); err != nil {
		// crypto/rand never fails on supported platforms; a failure
		// means the process environment is broken beyond recovery.
		panic("wire: reading random nonce: " + err.Error())
	}
	return hex.EncodeToString(buffer)
}
