// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package peerauth

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// peerCredentials reads SO_PEERCRED, which the kernel populates at
// connect(2) time with the peer's effective uid/gid/pid. The values
// cannot be influenced by the peer after connecting.
func peerCredentials(raw syscall.RawConn) (*Credentials, error) {
	var (
		ucred   *unix.Ucred
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		ucred, sockErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return nil, fmt.Errorf("peerauth: raw control: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("peerauth: SO_PEERCRED: %w", sockErr)
	}
	return &Credentials{
		UID: ucred.Uid,
		GID: ucred.Gid,
		PID: uint32(ucred.Pid),
	}, nil
}
