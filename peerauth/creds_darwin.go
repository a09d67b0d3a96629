// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

//go:build darwin

package peerauth

import (
	"fmt"
	"syscall"

	"golang.org/x/sys/unix"
)

// peerCredentials reads LOCAL_PEERCRED (xucred) for uid/gid and
// LOCAL_PEERPID for the pid. As on Linux, the kernel fixes these at
// connect time.
func peerCredentials(raw syscall.RawConn) (*Credentials, error) {
	var (
		xucred  *unix.Xucred
		pid     int
		sockErr error
	)
	if err := raw.Control(func(fd uintptr) {
		xucred, sockErr = unix.GetsockoptXucred(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
		if sockErr != nil {
			return
		}
		pid, sockErr = unix.GetsockoptInt(int(fd), unix.SOL_LOCAL, unix.LOCAL_PEERPID)
	}); err != nil {
		return nil, fmt.Errorf("peerauth: raw control: %w", err)
	}
	if sockErr != nil {
		return nil, fmt.Errorf("peerauth: LOCAL_PEERCRED: %w", sockErr)
	}
	if xucred.Ngroups < 1 {
		return nil, fmt.Errorf("peerauth: xucred reports no groups")
	}
	return &Credentials{
		UID: xucred.Uid,
		GID: xucred.Groups[0],
		PID: uint32(pid),
	}, nil
}
