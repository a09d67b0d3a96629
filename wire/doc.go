// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package wire defines the Crosstalk relay protocol: the envelope
// types exchanged between agents and the daemon, and the
// length-delimited frame codec that carries them over a stream socket.
//
// The package is organized around the wire data flow:
//
//   - envelope.go: envelope structure, payload contracts per message
//     type, and constructors
//   - errcode.go: the closed set of protocol error codes
//   - frame.go: frame encoding and incremental decoding (Encoder,
//     Decoder.Push) with per-connection buffering and a hard frame
//     size cap
//   - compress.go: optional frame body compression (lz4, zstd)
//
// A frame is a 4-byte big-endian body length, a 1-byte compression
// tag, and the body. The body is the deterministic CBOR encoding of
// one envelope (possibly compressed). The codec performs no I/O;
// connections own their sockets and feed received chunks to a Decoder.
//
// Unknown envelope types are valid on the wire. The relay forwards
// them untouched, which keeps the protocol extensible without daemon
// upgrades being a hard dependency of client upgrades.
package wire
