// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// Package peerauth decides whether a connecting process may claim an
// agent name.
//
// Isolation is anchored in the kernel, not in a credential store: for
// Unix socket connections the daemon reads the peer's effective
// uid/gid through the platform's socket-peer-credential mechanism
// (SO_PEERCRED on Linux, LOCAL_PEERCRED on Darwin). Teams map those
// identities to a permitted agent-name namespace, optionally enforced
// as a name prefix. A process cannot forge its kernel identity, so a
// team boundary holds even against a hostile client binary.
//
// There is deliberately no silent fallback to the daemon's own
// identity when the credential lookup is unavailable: [FromConn]
// returns an error and the validator treats nil credentials as a
// degraded mode that is loudly logged and only permitted when a
// default team is explicitly configured. Anything else fails closed.
//
// The package also loads TLS material for network-exposed deployments
// (certificate/key/CA triple, optional mutual TLS with a client
// common-name allow-list). TLS configuration is loading only; the
// daemon wires the result into its TCP listener.
package peerauth
