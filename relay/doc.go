// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the message relay daemon's core: the
// per-connection protocol state machine, the name-to-connection
// router, the socket server that ties them together, and a minimal
// client for tools and tests.
//
// Each accepted socket gets one Connection with a single reader
// goroutine. The Connection owns the handshake (hello/welcome with
// peer-credential team validation), per-sender rate limiting,
// heartbeat liveness, and orderly teardown. Delivery between
// connections is the Router's job: it maps agent names to active
// connections and stamps per-stream sequence numbers on the way
// through.
package relay
