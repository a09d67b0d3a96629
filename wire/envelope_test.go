// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package wire

import (
	"testing"
	"time"

	"github.com/crosstalk-foundation/crosstalk/lib/codec"
)

var testTime = time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

func TestNewEnvelopeFields(t *testing.T) {
	envelope, err := NewHello(testTime, HelloPayload{Agent: "alice", CLI: "claude-code"})
	if err != nil {
		t.Fatalf("NewHello: %v", err)
	}

	if envelope.Version != ProtocolVersion {
		t.Errorf("Version = %d, want %d", envelope.Version, ProtocolVersion)
	}
	if envelope.Type != TypeHello {
		t.Errorf("Type = %q, want %q", envelope.Type, TypeHello)
	}
	if envelope.ID == "" {
		t.Error("ID is empty")
	}
	if envelope.Timestamp != testTime.UnixMilli() {
		t.Errorf("Timestamp = %d, want %d", envelope.Timestamp, testTime.UnixMilli())
	}

	var payload HelloPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if payload.Agent != "alice" || payload.CLI != "claude-code" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestEnvelopeIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		envelope, err := NewBye(testTime)
		if err != nil {
			t.Fatalf("NewBye: %v", err)
		}
		if seen[envelope.ID] {
			t.Fatalf("duplicate envelope ID %q", envelope.ID)
		}
		seen[envelope.ID] = true
	}
}

func TestByeHasNoPayload(t *testing.T) {
	envelope, err := NewBye(testTime)
	if err != nil {
		t.Fatalf("NewBye: %v", err)
	}
	if len(envelope.Payload) != 0 {
		t.Errorf("bye payload = %x, want empty", envelope.Payload)
	}
	var ignored struct{}
	if err := envelope.DecodePayload(&ignored); err == nil {
		t.Error("DecodePayload on empty payload did not error")
	}
}

func TestPingPongNonceRoundtrip(t *testing.T) {
	ping, err := NewPing(testTime)
	if err != nil {
		t.Fatalf("NewPing: %v", err)
	}
	var pingPayload PingPayload
	if err := ping.DecodePayload(&pingPayload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if pingPayload.Nonce == "" {
		t.Fatal("ping nonce is empty")
	}

	pong, err := NewPong(testTime, pingPayload.Nonce)
	if err != nil {
		t.Fatalf("NewPong: %v", err)
	}
	var pongPayload PongPayload
	if err := pong.DecodePayload(&pongPayload); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if pongPayload.Nonce != pingPayload.Nonce {
		t.Errorf("pong nonce = %q, want %q", pongPayload.Nonce, pingPayload.Nonce)
	}
}

func TestSendBodyIsOpaque(t *testing.T) {
	// The relay must forward bodies byte-for-byte, including CBOR the
	// daemon has no schema for.
	body, err := codec.Marshal(map[string]any{"tool": "grep", "args": []any{"-r", "TODO"}})
	if err != nil {
		t.Fatalf("Marshal body: %v", err)
	}

	envelope, err := NewSend(testTime, SendPayload{To: "bob", Topic: "tools", Body: body})
	if err != nil {
		t.Fatalf("NewSend: %v", err)
	}

	var decoded SendPayload
	if err := envelope.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if string(decoded.Body) != string(body) {
		t.Errorf("body changed in transit: %x != %x", decoded.Body, body)
	}
}

func TestParseCompressionTag(t *testing.T) {
	tests := []struct {
		name    string
		want    CompressionTag
		wantErr bool
	}{
		{"", CompressionNone, false},
		{"none", CompressionNone, false},
		{"lz4", CompressionLZ4, false},
		{"zstd", CompressionZstd, false},
		{"gzip", 0, true},
	}
	for _, test := range tests {
		got, err := ParseCompressionTag(test.name)
		if (err != nil) != test.wantErr {
			t.Errorf("ParseCompressionTag(%q) error = %v, wantErr %v", test.name, err, test.wantErr)
			continue
		}
		if err == nil && got != test.want {
			t.Errorf("ParseCompressionTag(%q) = %v, want %v", test.name, got, test.want)
		}
	}
}
