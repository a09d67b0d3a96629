// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package peerauth

import (
	"errors"
	"fmt"
	"net"
)

// Credentials are the kernel-reported identity of the process on the
// other end of a Unix socket.
type Credentials struct {
	// UID is the peer's effective user ID.
	UID uint32

	// GID is the peer's effective group ID.
	GID uint32

	// PID is the peer's process ID. Informational (the process may
	// have exited); never used for authorization decisions.
	PID uint32
}

func (c Credentials) String() string {
	return fmt.Sprintf("uid=%d gid=%d pid=%d", c.UID, c.GID, c.PID)
}

// ErrUnsupported reports that the platform has no socket peer
// credential mechanism this package knows how to use.
var ErrUnsupported = errors.New("peerauth: peer credentials not supported on this platform")

// FromConn reads the peer credentials of a Unix socket connection via
// the platform's native socket option. Returns an error for non-Unix
// transports (TCP peers authenticate with TLS client certificates
// instead) and on platforms without a peer-credential syscall.
//
// There is no fallback to the daemon's own identity: a caller that
// cannot resolve the real peer must decide explicitly what degraded
// isolation means for it.
func FromConn(conn net.Conn) (*Credentials, error) {
	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		return nil, fmt.Errorf("peerauth: %T is not a unix socket connection", conn)
	}
	raw, err := unixConn.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("peerauth: accessing raw connection: %w", err)
	}
	return peerCredentials(raw)
}
