// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package wire

// ErrorCode identifies a protocol error in an error envelope. The set
// is closed: daemons only emit these codes, and clients may switch on
// them exhaustively.
type ErrorCode string

const (
	// CodeBadRequest reports an envelope that is valid on the wire but
	// not acceptable in the connection's current state (a second
	// hello, a send before the handshake, an unknown recipient).
	// Non-fatal: the connection stays up and a well-behaved client
	// can correct itself.
	CodeBadRequest ErrorCode = "BAD_REQUEST"

	// CodeUnauthorized reports a hello whose peer identity or agent
	// name was rejected by team validation. Always fatal.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"

	// CodeRateLimited reports a send denied by the per-agent token
	// bucket. Non-fatal: the message is dropped, the connection stays
	// active, and the payload carries a retry-after hint.
	CodeRateLimited ErrorCode = "RATE_LIMITED"

	// CodeResumeTooOld reports a hello that presented a session resume
	// token. Resume is not honored; the handshake continues as a fresh
	// session. Non-fatal.
	CodeResumeTooOld ErrorCode = "RESUME_TOO_OLD"

	// CodeFrameTooLarge reports a frame whose declared length exceeds
	// the negotiated maximum. Fatal: the byte stream cannot be trusted
	// past an oversized frame.
	CodeFrameTooLarge ErrorCode = "FRAME_TOO_LARGE"

	// CodeInternal reports a daemon-side failure unrelated to the
	// client's input. Fatal.
	CodeInternal ErrorCode = "INTERNAL"
)
