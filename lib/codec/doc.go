// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package codec provides Crosstalk's standard CBOR encoding configuration.
//
// Every envelope that crosses the relay socket is CBOR. The encoder uses
// Core Deterministic Encoding (RFC 8949 §4.2): sorted map keys, smallest
// integer encoding, no indefinite-length items. The same logical envelope
// always produces identical bytes, which keeps frame encoding reproducible
// and makes wire-level tests byte-exact.
//
// The decoder accepts standard CBOR and silently ignores unknown struct
// fields, so older daemons interoperate with newer clients that add
// payload fields.
//
//	data, err := codec.Marshal(envelope)
//	err = codec.Unmarshal(data, &envelope)
//
// Wire types in this repository use `cbor` struct tags exclusively; the
// protocol has no JSON surface.
package codec
