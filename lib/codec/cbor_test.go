// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package codec

import (
	"bytes"
	"testing"
)

// testPayload is a representative wire payload using cbor struct tags.
type testPayload struct {
	Agent string `cbor:"agent"`
	Topic string `cbor:"topic,omitempty"`
	Seq   uint64 `cbor:"seq"`
}

func TestMarshalUnmarshalRoundtrip(t *testing.T) {
	original := testPayload{
		Agent: "alice",
		Topic: "build/status",
		Seq:   42,
	}

	data, err := Marshal(original)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("Marshal produced empty output")
	}

	var decoded testPayload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded != original {
		t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, original)
	}
}

func TestMarshalDeterministic(t *testing.T) {
	// Maps are the adversarial case: Go iteration order is randomized,
	// so only a deterministic encoder produces stable bytes.
	value := map[string]any{
		"zebra":  1,
		"alpha":  2,
		"middle": map[string]any{"b": 1, "a": 2},
	}

	first, err := Marshal(value)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for i := 0; i < 16; i++ {
		again, err := Marshal(value)
		if err != nil {
			t.Fatalf("Marshal (iteration %d): %v", i, err)
		}
		if !bytes.Equal(first, again) {
			t.Fatalf("encoding not deterministic: %x vs %x", first, again)
		}
	}
}

func TestUnmarshalIgnoresUnknownFields(t *testing.T) {
	// A future client may add payload fields. Encode a superset and
	// decode into the current struct.
	superset := map[string]any{
		"agent":        "alice",
		"seq":          uint64(7),
		"future_field": "ignored",
	}
	data, err := Marshal(superset)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded testPayload
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded.Agent != "alice" || decoded.Seq != 7 {
		t.Errorf("decoded = %+v, want agent=alice seq=7", decoded)
	}
}

func TestUnmarshalAnyUsesStringKeyedMaps(t *testing.T) {
	data, err := Marshal(map[string]any{"key": "value"})
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded any
	if err := Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	m, ok := decoded.(map[string]any)
	if !ok {
		t.Fatalf("decoded type = %T, want map[string]any", decoded)
	}
	if m["key"] != "value" {
		t.Errorf("m[key] = %v, want value", m["key"])
	}
}
