// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
	"github.com/crosstalk-foundation/crosstalk/lib/codec"
	"github.com/crosstalk-foundation/crosstalk/lib/testutil"
	"github.com/crosstalk-foundation/crosstalk/wire"
)

// newRoutedPeer connects one harness peer through the router: active
// connections register, send envelopes route.
func newRoutedPeer(t *testing.T, router *Router, agent string) *connHarness {
	t.Helper()
	h := newHarness(t, harnessOptions{
		onActive:  router.Register,
		onMessage: router.Route,
	})
	h.handshake(agent)
	return h
}

func newTestRouter() *Router {
	return NewRouter(clock.NewFake(time.Unix(1700000000, 0)), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func sendBody(t *testing.T, h *connHarness, to, topic, body string) {
	t.Helper()
	raw, err := codec.Marshal(body)
	if err != nil {
		t.Fatalf("encoding body: %v", err)
	}
	envelope, err := wire.NewSend(h.clock.Now(), wire.SendPayload{
		To:    to,
		Topic: topic,
		Body:  raw,
	})
	if err != nil {
		t.Fatalf("building send: %v", err)
	}
	h.write(envelope)
}

func expectSend(t *testing.T, h *connHarness) wire.SendPayload {
	t.Helper()
	envelope := h.expect(wire.TypeSend)
	var payload wire.SendPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		t.Fatalf("decoding relayed send: %v", err)
	}
	return payload
}

func TestRouterDeliversAddressedSend(t *testing.T) {
	router := newTestRouter()
	alice := newRoutedPeer(t, router, "alice")
	bob := newRoutedPeer(t, router, "bob")

	sendBody(t, alice, "bob", "build", "hello bob")

	payload := expectSend(t, bob)
	if payload.From != "alice" {
		t.Errorf("from = %q, want alice (daemon-stamped)", payload.From)
	}
	if payload.To != "bob" {
		t.Errorf("to = %q, want bob", payload.To)
	}
	if payload.Seq != 1 {
		t.Errorf("seq = %d, want 1", payload.Seq)
	}
	var body string
	if err := codec.Unmarshal(payload.Body, &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body != "hello bob" {
		t.Errorf("body = %q, want hello bob", body)
	}
}

func TestRouterStampsSequencePerStream(t *testing.T) {
	router := newTestRouter()
	alice := newRoutedPeer(t, router, "alice")
	bob := newRoutedPeer(t, router, "bob")
	carol := newRoutedPeer(t, router, "carol")

	sendBody(t, alice, "bob", "build", "one")
	sendBody(t, alice, "bob", "build", "two")
	sendBody(t, alice, "carol", "build", "three")
	sendBody(t, alice, "bob", "deploy", "four")

	if got := expectSend(t, bob).Seq; got != 1 {
		t.Errorf("first build send to bob: seq = %d, want 1", got)
	}
	if got := expectSend(t, bob).Seq; got != 2 {
		t.Errorf("second build send to bob: seq = %d, want 2", got)
	}
	if got := expectSend(t, carol).Seq; got != 1 {
		t.Errorf("build send to carol: seq = %d, want 1", got)
	}
	if got := expectSend(t, bob).Seq; got != 1 {
		t.Errorf("deploy send to bob: seq = %d, want 1", got)
	}
}

func TestRouterUnknownRecipient(t *testing.T) {
	router := newTestRouter()
	alice := newRoutedPeer(t, router, "alice")

	sendBody(t, alice, "nobody", "build", "hello?")

	payload := alice.expectError(wire.CodeBadRequest)
	if payload.Fatal {
		t.Error("unknown recipient produced a fatal error")
	}
	if got := alice.conn.State(); got != StateActive {
		t.Errorf("sender state = %s, want active", got)
	}
}

func TestRouterBroadcast(t *testing.T) {
	router := newTestRouter()
	alice := newRoutedPeer(t, router, "alice")
	bob := newRoutedPeer(t, router, "bob")
	carol := newRoutedPeer(t, router, "carol")

	sendBody(t, alice, wire.Broadcast, "announce", "standup time")

	for _, peer := range []*connHarness{bob, carol} {
		payload := expectSend(t, peer)
		if payload.From != "alice" {
			t.Errorf("from = %q, want alice", payload.From)
		}
		if payload.Seq != 1 {
			t.Errorf("seq = %d, want 1", payload.Seq)
		}
	}
	// The sender does not receive its own broadcast.
	select {
	case envelope := <-alice.received:
		t.Errorf("sender received its own broadcast: %s", envelope.Type)
	default:
	}
}

func TestRouterUnregisterOnlyRemovesOwnMapping(t *testing.T) {
	router := newTestRouter()
	first := newRoutedPeer(t, router, "alice")

	// A reconnect under the same name displaces the first connection.
	second := newRoutedPeer(t, router, "alice")
	testutil.RequireClosed(t, first.closed, testTimeout, "displaced connection should close")

	// The displaced connection's unregistration must not evict the
	// newcomer.
	router.Unregister(first.conn)
	if got := router.Lookup("alice"); got != second.conn {
		t.Fatalf("Lookup(alice) = %p, want the second connection", got)
	}
}

func TestRouterAgents(t *testing.T) {
	router := newTestRouter()
	newRoutedPeer(t, router, "alice")
	newRoutedPeer(t, router, "bob")

	agents := router.Agents()
	if len(agents) != 2 {
		t.Fatalf("Agents() = %v, want two entries", agents)
	}
	seen := map[string]bool{}
	for _, agent := range agents {
		seen[agent] = true
	}
	if !seen["alice"] || !seen["bob"] {
		t.Errorf("Agents() = %v, want alice and bob", agents)
	}
}
