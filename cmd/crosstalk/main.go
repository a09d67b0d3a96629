// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

// crosstalk is the operator tool for the relay daemon. It connects as
// a named agent, then sends a message, watches the incoming stream, or
// measures daemon liveness.
//
// Usage:
//
//	crosstalk --agent alice --to bob --topic build --body '{"ok":true}'
//	crosstalk --agent alice --watch
//	crosstalk --agent alice --ping
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/crosstalk-foundation/crosstalk/lib/codec"
	"github.com/crosstalk-foundation/crosstalk/lib/version"
	"github.com/crosstalk-foundation/crosstalk/relay"
	"github.com/crosstalk-foundation/crosstalk/wire"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		socketPath string
		agent      string
		to         string
		topic      string
		body       string
		watch      bool
		ping       bool
		timeout    time.Duration
	)

	flagSet := pflag.NewFlagSet("crosstalk", pflag.ContinueOnError)
	flagSet.StringVar(&socketPath, "socket", "/run/crosstalk/relay.sock", "daemon Unix socket path")
	flagSet.StringVar(&agent, "agent", "", "agent name to connect as (required)")
	flagSet.StringVar(&to, "to", "", "recipient agent name, or * for broadcast")
	flagSet.StringVar(&topic, "topic", "", "message topic")
	flagSet.StringVar(&body, "body", "", "message body (JSON)")
	flagSet.BoolVar(&watch, "watch", false, "print incoming messages until interrupted")
	flagSet.BoolVar(&ping, "ping", false, "measure daemon round-trip time")
	flagSet.DurationVar(&timeout, "timeout", 10*time.Second, "handshake and ping timeout")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("crosstalk %s\n", version.Info())
		return nil
	}
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}

	if agent == "" {
		return fmt.Errorf("--agent is required")
	}
	if !watch && !ping && to == "" {
		return fmt.Errorf("nothing to do: pass --to, --watch, or --ping")
	}

	client, err := relay.Dial(relay.ClientOptions{
		SocketPath: socketPath,
		Logger:     slog.New(slog.NewTextHandler(os.Stderr, nil)),
	})
	if err != nil {
		return err
	}
	defer client.Close()

	helloCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	welcome, err := client.Hello(helloCtx, wire.HelloPayload{
		Agent: agent,
		CLI:   "crosstalk",
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "connected: session %s\n", welcome.SessionID)

	if ping {
		start := time.Now()
		pingCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := client.Ping(pingCtx); err != nil {
			return fmt.Errorf("ping: %w", err)
		}
		fmt.Printf("pong in %v\n", time.Since(start).Round(time.Microsecond))
	}

	if to != "" {
		if err := sendMessage(client, to, topic, body); err != nil {
			return err
		}
	}

	if watch {
		return watchMessages(client)
	}
	return client.Bye()
}

func sendMessage(client *relay.Client, to, topic, body string) error {
	var payload any
	if body != "" {
		if err := json.Unmarshal([]byte(body), &payload); err != nil {
			return fmt.Errorf("--body is not valid JSON: %w", err)
		}
	}
	encoded, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding body: %w", err)
	}
	return client.Send(wire.SendPayload{To: to, Topic: topic, Body: encoded})
}

// watchMessages prints every incoming envelope as a JSON line until
// the connection ends or the user interrupts.
func watchMessages(client *relay.Client) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return client.Bye()
		case envelope, ok := <-client.Messages():
			if !ok {
				return client.Err()
			}
			if err := printEnvelope(envelope); err != nil {
				return err
			}
		}
	}
}

func printEnvelope(envelope wire.Envelope) error {
	line := map[string]any{
		"type": envelope.Type,
		"id":   envelope.ID,
		"ts":   envelope.Timestamp,
	}
	switch envelope.Type {
	case wire.TypeSend:
		var payload wire.SendPayload
		if err := envelope.DecodePayload(&payload); err != nil {
			return fmt.Errorf("decoding send: %w", err)
		}
		line["from"] = payload.From
		line["topic"] = payload.Topic
		line["seq"] = payload.Seq
		var body any
		if len(payload.Body) > 0 {
			if err := codec.Unmarshal(payload.Body, &body); err == nil {
				line["body"] = body
			}
		}
	case wire.TypeError:
		var payload wire.ErrorPayload
		if err := envelope.DecodePayload(&payload); err == nil {
			line["code"] = payload.Code
			line["message"] = payload.Message
		}
	}

	out, err := json.Marshal(line)
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
