// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/crosstalk-foundation/crosstalk/lib/codec"
)

// frameHeaderLength is the fixed frame header size: 4 bytes big-endian
// body length plus 1 byte compression tag.
const frameHeaderLength = 5

// sizePrefixLength is the uncompressed-size prefix inside compressed
// bodies: 4 bytes big-endian.
const sizePrefixLength = 4

// DefaultMaxFrameBytes is the frame size cap used when configuration
// does not override it. 1 MB comfortably fits any coding-agent message
// while bounding per-connection memory.
const DefaultMaxFrameBytes = 1024 * 1024

// compressionThreshold is the smallest CBOR body the encoder will try
// to compress. Below this the size prefix and compression framing cost
// more than they save.
const compressionThreshold = 512

// ErrFrameTooLarge reports a frame whose declared or uncompressed size
// exceeds the configured maximum. The stream cannot be resynchronized
// past such a frame; connections treat this as fatal.
var ErrFrameTooLarge = errors.New("wire: frame exceeds maximum size")

// Encoder turns envelopes into frames.
//
// Encoding is deterministic: the CBOR body uses Core Deterministic
// Encoding and the compression decision depends only on the body and
// the configured tag.
type Encoder struct {
	maxFrameBytes int
	compression   CompressionTag
}

// NewEncoder returns an Encoder with the given frame size cap and
// compression preference. maxFrameBytes <= 0 selects
// DefaultMaxFrameBytes.
func NewEncoder(maxFrameBytes int, compression CompressionTag) *Encoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Encoder{maxFrameBytes: maxFrameBytes, compression: compression}
}

// Encode serializes one envelope into a complete frame. Returns
// ErrFrameTooLarge when the envelope cannot fit the configured cap.
func (e *Encoder) Encode(envelope Envelope) ([]byte, error) {
	body, err := codec.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}
	if len(body) > e.maxFrameBytes {
		return nil, fmt.Errorf("%w: envelope body is %d bytes, maximum %d",
			ErrFrameTooLarge, len(body), e.maxFrameBytes)
	}

	tag := CompressionNone
	if e.compression != CompressionNone && len(body) >= compressionThreshold {
		compressed, err := compressBody(body, e.compression)
		switch {
		case err == nil:
			prefixed := make([]byte, sizePrefixLength+len(compressed))
			binary.BigEndian.PutUint32(prefixed[:sizePrefixLength], uint32(len(body)))
			copy(prefixed[sizePrefixLength:], compressed)
			body = prefixed
			tag = e.compression
		case errors.Is(err, errIncompressible):
			// Send raw; the tag byte records that.
		default:
			return nil, err
		}
	}

	frame := make([]byte, frameHeaderLength+len(body))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(body)))
	frame[4] = byte(tag)
	copy(frame[frameHeaderLength:], body)
	return frame, nil
}

// Decoder reassembles envelopes from an arbitrary chunking of the byte
// stream. The Decoder owns a buffered remainder between Push calls; it
// performs no I/O and is not safe for concurrent use (each connection
// has exactly one reader).
//
// Any decode error poisons the Decoder: the byte stream has lost
// framing and every subsequent Push returns the same error until
// Reset. Connections respond by tearing the transport down.
type Decoder struct {
	maxFrameBytes int
	buffer        []byte
	failed        error
}

// NewDecoder returns a Decoder enforcing the given frame size cap.
// maxFrameBytes <= 0 selects DefaultMaxFrameBytes.
func NewDecoder(maxFrameBytes int) *Decoder {
	if maxFrameBytes <= 0 {
		maxFrameBytes = DefaultMaxFrameBytes
	}
	return &Decoder{maxFrameBytes: maxFrameBytes}
}

// Push appends chunk to the buffered remainder and returns every
// complete envelope now available. A chunk may contain several frames,
// a fragment of one, or both; fragments are retained for the next
// call.
//
// An oversized declared length fails immediately when the header is
// read, before the body arrives and without allocating the claimed
// size.
func (d *Decoder) Push(chunk []byte) ([]Envelope, error) {
	if d.failed != nil {
		return nil, d.failed
	}
	d.buffer = append(d.buffer, chunk...)

	var envelopes []Envelope
	for {
		if len(d.buffer) < frameHeaderLength {
			return envelopes, nil
		}
		// Compare before converting to int: a declared length at or
		// above 2^31 must not wrap negative on 32-bit platforms.
		declared := binary.BigEndian.Uint32(d.buffer[0:4])
		if uint64(declared) > uint64(d.maxFrameBytes) {
			return envelopes, d.fail(fmt.Errorf("%w: declared body length %d, maximum %d",
				ErrFrameTooLarge, declared, d.maxFrameBytes))
		}
		bodyLength := int(declared)
		if bodyLength == 0 {
			return envelopes, d.fail(errors.New("wire: frame with empty body"))
		}
		if len(d.buffer) < frameHeaderLength+bodyLength {
			return envelopes, nil
		}

		tag := CompressionTag(d.buffer[4])
		body := d.buffer[frameHeaderLength : frameHeaderLength+bodyLength]

		envelope, err := d.decodeBody(tag, body)
		if err != nil {
			return envelopes, d.fail(err)
		}
		envelopes = append(envelopes, envelope)

		// Drop the consumed frame. Copying the remainder keeps the
		// buffer from pinning already-delivered frames.
		remainder := len(d.buffer) - frameHeaderLength - bodyLength
		copy(d.buffer, d.buffer[frameHeaderLength+bodyLength:])
		d.buffer = d.buffer[:remainder]
	}
}

// decodeBody decompresses (if tagged) and CBOR-decodes one frame body.
func (d *Decoder) decodeBody(tag CompressionTag, body []byte) (Envelope, error) {
	if tag != CompressionNone {
		if len(body) < sizePrefixLength {
			return Envelope{}, fmt.Errorf("wire: compressed body of %d bytes lacks size prefix", len(body))
		}
		declared := binary.BigEndian.Uint32(body[:sizePrefixLength])
		if uint64(declared) > uint64(d.maxFrameBytes) {
			return Envelope{}, fmt.Errorf("%w: uncompressed size %d, maximum %d",
				ErrFrameTooLarge, declared, d.maxFrameBytes)
		}
		uncompressedSize := int(declared)
		decompressed, err := decompressBody(body[sizePrefixLength:], tag, uncompressedSize)
		if err != nil {
			return Envelope{}, err
		}
		body = decompressed
	}

	var envelope Envelope
	if err := codec.Unmarshal(body, &envelope); err != nil {
		return Envelope{}, fmt.Errorf("wire: decoding envelope: %w", err)
	}
	if envelope.Type == "" {
		return Envelope{}, errors.New("wire: envelope without a type")
	}
	return envelope, nil
}

// fail poisons the decoder and returns the error.
func (d *Decoder) fail(err error) error {
	d.failed = err
	d.buffer = nil
	return err
}

// Reset discards buffered bytes and clears any poisoned state. Called
// on connection teardown.
func (d *Decoder) Reset() {
	d.buffer = nil
	d.failed = nil
}

// Buffered reports the number of bytes retained for the next Push.
func (d *Decoder) Buffered() int {
	return len(d.buffer)
}
