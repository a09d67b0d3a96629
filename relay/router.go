// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
	"github.com/crosstalk-foundation/crosstalk/wire"
)

// Router maintains the agent-name directory and delivers send
// envelopes between connections. Safe for concurrent use from any
// connection's reader goroutine.
type Router struct {
	clock  clock.Clock
	logger *slog.Logger

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewRouter builds an empty router.
func NewRouter(clk clock.Clock, logger *slog.Logger) *Router {
	if clk == nil {
		clk = clock.Real()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		clock:       clk,
		logger:      logger,
		connections: make(map[string]*Connection),
	}
}

// Register maps the connection's agent name to it. A newer connection
// for the same name displaces the old mapping; the displaced
// connection is closed so the peer learns it lost the name.
func (r *Router) Register(connection *Connection) {
	agent := connection.Agent()
	if agent == "" {
		return
	}

	r.mu.Lock()
	previous := r.connections[agent]
	r.connections[agent] = connection
	r.mu.Unlock()

	if previous != nil && previous != connection {
		r.logger.Info("agent reconnected, closing previous connection", "agent", agent)
		previous.Close()
	}
}

// Unregister removes the connection's mapping, but only if the name
// still points at this connection. A reconnect that displaced the
// mapping keeps its entry.
func (r *Router) Unregister(connection *Connection) {
	agent := connection.Agent()
	if agent == "" {
		return
	}

	r.mu.Lock()
	if r.connections[agent] == connection {
		delete(r.connections, agent)
	}
	r.mu.Unlock()
}

// Lookup returns the active connection for an agent name, or nil.
func (r *Router) Lookup(agent string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.connections[agent]
}

// Agents returns the names currently registered.
func (r *Router) Agents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agents := make([]string, 0, len(r.connections))
	for agent := range r.connections {
		agents = append(agents, agent)
	}
	return agents
}

// Route delivers a send envelope from its authenticated sender. The
// payload's from field is overwritten with the sender's identity and a
// per-(topic, recipient) sequence number is stamped from the sender's
// counters. Unknown recipients are reported back to the sender as a
// non-fatal error; broadcast goes to every other registered
// connection.
func (r *Router) Route(from *Connection, envelope wire.Envelope) {
	var payload wire.SendPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		from.sendError(wire.CodeBadRequest, "malformed send payload", false, 0)
		return
	}
	if payload.To == "" {
		from.sendError(wire.CodeBadRequest, "send requires a recipient", false, 0)
		return
	}
	payload.From = from.Agent()

	if payload.To == wire.Broadcast {
		r.broadcast(from, payload)
		return
	}

	target := r.Lookup(payload.To)
	if target == nil {
		from.sendError(wire.CodeBadRequest, fmt.Sprintf("unknown recipient %q", payload.To), false, 0)
		return
	}
	r.deliver(from, target, payload)
}

// broadcast fans a payload out to every registered connection except
// the sender. Each recipient gets its own sequence number; a slow or
// dead recipient only loses its own copy.
func (r *Router) broadcast(from *Connection, payload wire.SendPayload) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.connections))
	for _, connection := range r.connections {
		if connection != from {
			targets = append(targets, connection)
		}
	}
	r.mu.RUnlock()

	for _, target := range targets {
		r.deliver(from, target, payload)
	}
}

// deliver stamps the stream sequence number and forwards the payload.
func (r *Router) deliver(from, target *Connection, payload wire.SendPayload) {
	payload.Seq = from.NextSeq(payload.Topic, target.Agent())

	envelope, err := wire.NewSend(r.clock.Now(), payload)
	if err != nil {
		r.logger.Error("building relayed send", "to", target.Agent(), "error", err)
		return
	}
	if !target.Send(envelope) {
		r.logger.Warn("dropping message to unwritable connection",
			"from", payload.From,
			"to", target.Agent(),
		)
	}
}
