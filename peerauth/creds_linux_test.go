// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package peerauth

import (
	"net"
	"os"
	"path/filepath"
	"testing"
)

func TestFromConnReportsOwnIdentity(t *testing.T) {
	socketPath := filepath.Join(t.TempDir(), "peer.sock")
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		accepted <- conn
	}()

	client, err := net.Dial("unix", socketPath)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()
	server := <-accepted
	defer server.Close()

	creds, err := FromConn(server)
	if err != nil {
		t.Fatalf("FromConn: %v", err)
	}
	// Both ends live in this process, so the peer is us.
	if creds.UID != uint32(os.Getuid()) {
		t.Errorf("UID = %d, want %d", creds.UID, os.Getuid())
	}
	if creds.GID != uint32(os.Getgid()) {
		t.Errorf("GID = %d, want %d", creds.GID, os.Getgid())
	}
	if creds.PID != uint32(os.Getpid()) {
		t.Errorf("PID = %d, want %d", creds.PID, os.Getpid())
	}
}

func TestFromConnRejectsNonUnixConn(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()

	go func() {
		conn, err := listener.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	client, err := net.Dial("tcp", listener.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer client.Close()

	if _, err := FromConn(client); err == nil {
		t.Fatal("TCP connection was accepted")
	}
}
