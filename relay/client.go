// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
	"github.com/crosstalk-foundation/crosstalk/wire"
)

// ClientOptions configures a Client. SocketPath is required.
type ClientOptions struct {
	SocketPath    string
	Clock         clock.Clock
	Logger        *slog.Logger
	MaxFrameBytes int
	Compression   wire.CompressionTag
}

// Client is a minimal protocol client for tools and tests. It answers
// daemon pings automatically and exposes everything else on a receive
// channel.
type Client struct {
	conn    net.Conn
	encoder *wire.Encoder
	decoder *wire.Decoder
	clock   clock.Clock
	logger  *slog.Logger

	writeMu sync.Mutex

	welcomes chan welcomeResult
	messages chan wire.Envelope

	mu          sync.Mutex
	handshaking bool
	pongWaiters map[string]chan struct{}
	readErr     error

	closeOnce sync.Once
}

type welcomeResult struct {
	payload wire.WelcomePayload
	err     error
}

// Dial connects to the daemon's Unix socket and starts the receive
// loop. The connection is unauthenticated until Hello succeeds.
func Dial(options ClientOptions) (*Client, error) {
	if options.SocketPath == "" {
		return nil, errors.New("relay: client requires a socket path")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	maxFrameBytes := options.MaxFrameBytes
	if maxFrameBytes <= 0 {
		maxFrameBytes = wire.DefaultMaxFrameBytes
	}

	conn, err := net.Dial("unix", options.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", options.SocketPath, err)
	}

	client := &Client{
		conn:        conn,
		encoder:     wire.NewEncoder(maxFrameBytes, options.Compression),
		decoder:     wire.NewDecoder(maxFrameBytes),
		clock:       options.Clock,
		logger:      options.Logger,
		welcomes:    make(chan welcomeResult, 1),
		messages:    make(chan wire.Envelope, 64),
		pongWaiters: make(map[string]chan struct{}),
	}
	go client.readLoop()
	return client, nil
}

// Hello performs the handshake and returns the daemon's welcome. Fatal
// error envelopes abort with their message; non-fatal ones (such as a
// declined resume) are logged and the handshake continues.
func (c *Client) Hello(ctx context.Context, payload wire.HelloPayload) (wire.WelcomePayload, error) {
	c.mu.Lock()
	c.handshaking = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.handshaking = false
		c.mu.Unlock()
	}()

	hello, err := wire.NewHello(c.clock.Now(), payload)
	if err != nil {
		return wire.WelcomePayload{}, fmt.Errorf("building hello: %w", err)
	}
	if err := c.write(hello); err != nil {
		return wire.WelcomePayload{}, err
	}

	select {
	case result := <-c.welcomes:
		return result.payload, result.err
	case <-ctx.Done():
		return wire.WelcomePayload{}, ctx.Err()
	}
}

// Send relays an application message. The daemon fills in the from
// field and the sequence number.
func (c *Client) Send(payload wire.SendPayload) error {
	envelope, err := wire.NewSend(c.clock.Now(), payload)
	if err != nil {
		return fmt.Errorf("building send: %w", err)
	}
	return c.write(envelope)
}

// Ack acknowledges a previously received envelope by ID.
func (c *Client) Ack(messageID string) error {
	envelope, err := wire.NewAck(c.clock.Now(), messageID)
	if err != nil {
		return fmt.Errorf("building ack: %w", err)
	}
	return c.write(envelope)
}

// Ping sends a ping and waits for the matching pong.
func (c *Client) Ping(ctx context.Context) error {
	envelope, err := wire.NewPing(c.clock.Now())
	if err != nil {
		return fmt.Errorf("building ping: %w", err)
	}
	var ping wire.PingPayload
	if err := envelope.DecodePayload(&ping); err != nil {
		return fmt.Errorf("reading ping nonce: %w", err)
	}

	pongReceived := make(chan struct{})
	c.mu.Lock()
	c.pongWaiters[ping.Nonce] = pongReceived
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pongWaiters, ping.Nonce)
		c.mu.Unlock()
	}()

	if err := c.write(envelope); err != nil {
		return err
	}
	select {
	case <-pongReceived:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Messages is the receive channel for everything the client does not
// consume itself (sends, acks, errors, unknown types). Closed when the
// connection ends; check Err afterwards.
func (c *Client) Messages() <-chan wire.Envelope { return c.messages }

// Err returns the terminal receive error, if any, once Messages has
// closed.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Bye announces an orderly departure and closes the connection.
func (c *Client) Bye() error {
	envelope, err := wire.NewBye(c.clock.Now())
	if err == nil {
		err = c.write(envelope)
	}
	c.Close()
	return err
}

// Close tears the connection down. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() { c.conn.Close() })
}

func (c *Client) write(envelope wire.Envelope) error {
	frame, err := c.encoder.Encode(envelope)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", envelope.Type, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("writing %s: %w", envelope.Type, err)
	}
	return nil
}

func (c *Client) readLoop() {
	defer close(c.messages)
	buffer := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buffer)
		if n > 0 {
			envelopes, pushErr := c.decoder.Push(buffer[:n])
			for _, envelope := range envelopes {
				c.dispatch(envelope)
			}
			if pushErr != nil {
				c.finish(fmt.Errorf("decoding daemon frames: %w", pushErr))
				return
			}
		}
		if err != nil {
			c.finish(err)
			return
		}
	}
}

func (c *Client) dispatch(envelope wire.Envelope) {
	switch envelope.Type {
	case wire.TypeWelcome:
		var welcome wire.WelcomePayload
		if err := envelope.DecodePayload(&welcome); err != nil {
			c.deliverWelcome(welcomeResult{err: fmt.Errorf("decoding welcome: %w", err)})
			return
		}
		c.deliverWelcome(welcomeResult{payload: welcome})

	case wire.TypePing:
		var ping wire.PingPayload
		if err := envelope.DecodePayload(&ping); err != nil {
			return
		}
		if pong, err := wire.NewPong(c.clock.Now(), ping.Nonce); err == nil {
			if err := c.write(pong); err != nil {
				c.logger.Warn("replying to ping", "error", err)
			}
		}

	case wire.TypePong:
		var pong wire.PongPayload
		if err := envelope.DecodePayload(&pong); err != nil {
			return
		}
		c.mu.Lock()
		waiter := c.pongWaiters[pong.Nonce]
		c.mu.Unlock()
		if waiter != nil {
			close(waiter)
			return
		}
		c.messages <- envelope

	case wire.TypeError:
		c.dispatchError(envelope)

	default:
		c.messages <- envelope
	}
}

// dispatchError routes error envelopes. During the handshake a fatal
// error resolves Hello; outside it, errors flow to the receive
// channel.
func (c *Client) dispatchError(envelope wire.Envelope) {
	var payload wire.ErrorPayload
	if err := envelope.DecodePayload(&payload); err != nil {
		c.messages <- envelope
		return
	}

	c.mu.Lock()
	handshaking := c.handshaking
	c.mu.Unlock()
	if handshaking {
		if payload.Fatal {
			c.deliverWelcome(welcomeResult{
				err: fmt.Errorf("daemon rejected handshake: %s: %s", payload.Code, payload.Message),
			})
			return
		}
		c.logger.Info("daemon notice during handshake",
			"code", payload.Code,
			"message", payload.Message,
		)
		return
	}
	c.messages <- envelope
}

func (c *Client) deliverWelcome(result welcomeResult) {
	select {
	case c.welcomes <- result:
	default:
	}
}

func (c *Client) finish(err error) {
	if !errors.Is(err, net.ErrClosed) {
		c.mu.Lock()
		c.readErr = err
		c.mu.Unlock()
	}
	c.deliverWelcome(welcomeResult{err: fmt.Errorf("connection closed before welcome: %w", err)})
	c.Close()
}
