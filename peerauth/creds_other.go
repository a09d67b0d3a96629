// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

//go:build !linux && !darwin

package peerauth

import "syscall"

func peerCredentials(syscall.RawConn) (*Credentials, error) {
	return nil, ErrUnsupported
}
