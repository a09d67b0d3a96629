// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
	"github.com/crosstalk-foundation/crosstalk/peerauth"
	"github.com/crosstalk-foundation/crosstalk/ratelimit"
	"github.com/crosstalk-foundation/crosstalk/wire"
)

// State is a connection's position in its lifecycle.
type State int

const (
	// StateConnecting is the zero state, held only during
	// construction.
	StateConnecting State = iota

	// StateHandshaking means the socket is up and the daemon is
	// waiting for the peer's hello.
	StateHandshaking

	// StateActive means the handshake completed and messages flow.
	StateActive

	// StateClosing means an orderly shutdown started; the daemon has
	// sent bye and is draining the socket.
	StateClosing

	// StateClosed is the terminal state of an orderly shutdown.
	StateClosed

	// StateError is the terminal state of a protocol violation,
	// transport failure, or liveness timeout.
	StateError
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// terminal reports whether no further transitions are possible.
func (s State) terminal() bool { return s == StateClosed || s == StateError }

// ConnectionConfig are the per-connection protocol parameters,
// immutable for the connection's lifetime.
type ConnectionConfig struct {
	// HeartbeatInterval is how often the daemon pings an active peer.
	HeartbeatInterval time.Duration

	// HeartbeatTimeoutMultiplier scales the interval into the liveness
	// deadline: a peer silent for longer than
	// HeartbeatInterval × HeartbeatTimeoutMultiplier is torn down.
	HeartbeatTimeoutMultiplier int

	// MaxFrameBytes caps frame sizes in both directions.
	MaxFrameBytes int

	// Compression selects the outbound frame compression.
	Compression wire.CompressionTag

	// LogThrottling emits a log line for every rate-limited send.
	LogThrottling bool
}

// Defaults for ConnectionConfig fields left zero.
const (
	DefaultHeartbeatInterval          = 15 * time.Second
	DefaultHeartbeatTimeoutMultiplier = 3
)

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.HeartbeatTimeoutMultiplier < 1 {
		c.HeartbeatTimeoutMultiplier = DefaultHeartbeatTimeoutMultiplier
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = wire.DefaultMaxFrameBytes
	}
	return c
}

// ConnectionOptions wires a Connection to its collaborators. Conn is
// required; everything else has a usable default.
type ConnectionOptions struct {
	Conn net.Conn

	// Creds are the peer's kernel-reported credentials, resolved at
	// accept time. Nil when unavailable (non-Unix transport or
	// unsupported platform); the validator decides what that means.
	Creds *peerauth.Credentials

	Validator *peerauth.Validator
	Limiter   ratelimit.Limiter
	Clock     clock.Clock
	Logger    *slog.Logger
	Config    ConnectionConfig

	// OnActive fires exactly once, after the welcome is sent. The
	// router registers the agent name here.
	OnActive func(*Connection)

	// OnMessage receives rate-limit-cleared send envelopes and any
	// envelope of a type the connection does not handle itself.
	OnMessage func(*Connection, wire.Envelope)

	// OnAck receives ack envelopes.
	OnAck func(*Connection, wire.Envelope)

	// OnPong fires after each pong updates the liveness clock.
	OnPong func(*Connection, wire.Envelope)

	// OnError fires at most once, when the connection enters
	// StateError. The socket is already closed.
	OnError func(*Connection, error)

	// OnClose fires at most once, when an orderly shutdown reaches
	// StateClosed.
	OnClose func(*Connection)
}

type streamKey struct {
	topic string
	peer  string
}

// Connection owns one peer socket and its protocol state machine. A
// single reader goroutine drives inbound dispatch; writes from any
// goroutine serialize on an internal mutex. All lifecycle reporting
// happens through the callbacks in ConnectionOptions.
type Connection struct {
	conn      net.Conn
	creds     *peerauth.Credentials
	validator *peerauth.Validator
	limiter   ratelimit.Limiter
	clock     clock.Clock
	logger    *slog.Logger
	config    ConnectionConfig

	encoder *wire.Encoder
	decoder *wire.Decoder

	onActive  func(*Connection)
	onMessage func(*Connection, wire.Envelope)
	onAck     func(*Connection, wire.Envelope)
	onPong    func(*Connection, wire.Envelope)
	onError   func(*Connection, error)
	onClose   func(*Connection)

	// writeMu serializes frame writes so envelopes never interleave.
	writeMu sync.Mutex

	mu            sync.Mutex
	state         State
	session       Session
	agent         string
	team          string
	info          wire.HelloPayload
	lastPong      time.Time
	seq           map[streamKey]uint64
	heartbeatStop chan struct{}
}

// NewConnection wraps an accepted socket. The connection is in
// StateHandshaking and its reader goroutine is running when this
// returns.
func NewConnection(options ConnectionOptions) *Connection {
	if options.Conn == nil {
		panic("relay: NewConnection requires a net.Conn")
	}
	if options.Clock == nil {
		options.Clock = clock.Real()
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}
	if options.Limiter == nil {
		options.Limiter = ratelimit.NoopLimiter{}
	}
	if options.Validator == nil {
		options.Validator = peerauth.NewValidator(peerauth.Config{}, options.Logger)
	}
	config := options.Config.withDefaults()

	connection := &Connection{
		conn:      options.Conn,
		creds:     options.Creds,
		validator: options.Validator,
		limiter:   options.Limiter,
		clock:     options.Clock,
		logger:    options.Logger,
		config:    config,
		encoder:   wire.NewEncoder(config.MaxFrameBytes, config.Compression),
		decoder:   wire.NewDecoder(config.MaxFrameBytes),
		onActive:  options.OnActive,
		onMessage: options.OnMessage,
		onAck:     options.OnAck,
		onPong:    options.OnPong,
		onError:   options.OnError,
		onClose:   options.OnClose,
		state:     StateHandshaking,
		seq:       make(map[streamKey]uint64),
	}
	go connection.readLoop()
	return connection
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Agent returns the authenticated agent name, empty before the
// handshake completes.
func (c *Connection) Agent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agent
}

// Team returns the team that granted the agent name, empty before the
// handshake completes or when auth is disabled.
func (c *Connection) Team() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.team
}

// Session returns the session minted at welcome time. Zero before the
// handshake completes.
func (c *Connection) Session() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// Info returns the metadata the peer supplied in its hello.
func (c *Connection) Info() wire.HelloPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.info
}

// NextSeq issues the next sequence number for the (topic, peer)
// stream, strictly increasing from 1. Counters are scoped to this
// connection.
func (c *Connection) NextSeq(topic, peer string) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := streamKey{topic: topic, peer: peer}
	c.seq[key]++
	return c.seq[key]
}

// Send encodes the envelope and writes it to the peer. Returns false,
// without panicking, when the connection is already terminal or the
// write fails; a write failure also drives the connection into
// StateError.
//
// Writes carry a deadline of one heartbeat interval. Router delivery
// runs on the sender's reader goroutine, so a recipient that stops
// draining its socket must fail its own connection rather than stall
// whoever addressed it.
func (c *Connection) Send(envelope wire.Envelope) bool {
	c.mu.Lock()
	terminal := c.state.terminal()
	c.mu.Unlock()
	if terminal {
		return false
	}

	frame, err := c.encoder.Encode(envelope)
	if err != nil {
		c.logger.Error("encoding outbound envelope", "type", envelope.Type, "error", err)
		return false
	}

	c.writeMu.Lock()
	// Socket deadlines are wall-clock; the injected clock cannot
	// drive them.
	c.conn.SetWriteDeadline(time.Now().Add(c.config.HeartbeatInterval))
	_, err = c.conn.Write(frame)
	c.conn.SetWriteDeadline(time.Time{})
	c.writeMu.Unlock()
	if err != nil {
		c.fail(fmt.Errorf("writing to peer: %w", err))
		return false
	}
	return true
}

// Close starts an orderly shutdown: best-effort bye, then the socket
// is closed and the reader goroutine drives the Closed transition.
// Idempotent; calls after the first are no-ops.
func (c *Connection) Close() {
	c.mu.Lock()
	if c.state == StateClosing || c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateClosing
	c.mu.Unlock()

	if bye, err := wire.NewBye(c.clock.Now()); err == nil {
		if frame, err := c.encoder.Encode(bye); err == nil {
			c.writeMu.Lock()
			c.conn.SetWriteDeadline(time.Now().Add(c.config.HeartbeatInterval))
			c.conn.Write(frame)
			c.writeMu.Unlock()
		}
	}
	c.conn.Close()
}

// readLoop is the single reader goroutine. It feeds socket bytes into
// the frame decoder and dispatches each decoded envelope. A decode
// failure poisons the stream and tears the connection down; a read
// error resolves to Closed or Error depending on whether a close was
// in progress.
//
// The decoder is owned by this goroutine alone, so its teardown reset
// happens here and nowhere else.
func (c *Connection) readLoop() {
	defer c.decoder.Reset()
	buffer := make([]byte, 32*1024)
	for {
		n, err := c.conn.Read(buffer)
		if n > 0 {
			envelopes, pushErr := c.decoder.Push(buffer[:n])
			for _, envelope := range envelopes {
				c.dispatch(envelope)
			}
			if pushErr != nil {
				code := wire.CodeBadRequest
				if errors.Is(pushErr, wire.ErrFrameTooLarge) {
					code = wire.CodeFrameTooLarge
				}
				c.sendError(code, pushErr.Error(), true, 0)
				c.fail(fmt.Errorf("decoding inbound frames: %w", pushErr))
				return
			}
		}
		if err != nil {
			c.readExit(err)
			return
		}
	}
}

// readExit resolves the reader goroutine's final read error into a
// terminal state.
func (c *Connection) readExit(err error) {
	c.mu.Lock()
	switch {
	case c.state.terminal():
		c.mu.Unlock()
		return
	case c.state == StateClosing:
		c.state = StateClosed
		c.stopHeartbeatLocked()
		agent := c.agent
		c.mu.Unlock()
		c.conn.Close()
		c.logger.Info("connection closed", "agent", agent)
		if c.onClose != nil {
			c.onClose(c)
		}
	default:
		c.mu.Unlock()
		if errors.Is(err, io.EOF) {
			c.fail(errors.New("peer closed connection without bye"))
		} else {
			c.fail(fmt.Errorf("reading from peer: %w", err))
		}
	}
}

// fail moves the connection to StateError: heartbeat stopped, socket
// destroyed, error callback fired once. Safe to call from any
// goroutine and from any state; terminal states make it a no-op. The
// decoder is not touched here: it belongs to the reader goroutine,
// which resets it on its own way out once the closed socket ends its
// Read.
func (c *Connection) fail(cause error) {
	c.mu.Lock()
	if c.state.terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.stopHeartbeatLocked()
	agent := c.agent
	c.mu.Unlock()

	c.conn.Close()
	c.logger.Warn("connection failed", "agent", agent, "error", cause)
	if c.onError != nil {
		c.onError(c, cause)
	}
}

// dispatch routes one decoded envelope through the state machine.
func (c *Connection) dispatch(envelope wire.Envelope) {
	switch envelope.Type {
	case wire.TypeHello:
		c.handleHello(envelope)
	case wire.TypeSend:
		c.handleSend(envelope)
	case wire.TypeAck:
		if c.onAck != nil {
			c.onAck(c, envelope)
		}
	case wire.TypePing:
		c.handlePing(envelope)
	case wire.TypePong:
		c.handlePong(envelope)
	case wire.TypeBye:
		c.Close()
	default:
		// Unknown types flow through so outer layers can extend the
		// protocol without a daemon release breaking them.
		if c.onMessage != nil {
			c.onMessage(c, envelope)
		}
	}
}

func (c *Connection) handleHello(envelope wire.Envelope) {
	c.mu.Lock()
	if c.state != StateHandshaking {
		c.mu.Unlock()
		c.sendError(wire.CodeBadRequest, "hello is only valid during the handshake", false, 0)
		return
	}
	c.mu.Unlock()

	var hello wire.HelloPayload
	if err := envelope.DecodePayload(&hello); err != nil {
		c.sendError(wire.CodeBadRequest, "malformed hello payload", true, 0)
		c.fail(fmt.Errorf("decoding hello payload: %w", err))
		return
	}

	team, err := c.validator.ValidateAgentName(hello.Agent, c.creds)
	if err != nil {
		c.sendError(wire.CodeUnauthorized, err.Error(), true, 0)
		c.fail(fmt.Errorf("rejecting hello for %q: %w", hello.Agent, err))
		return
	}

	if hello.ResumeToken != "" {
		// Resume is declined but the handshake proceeds; the peer
		// simply gets a fresh session.
		c.sendError(wire.CodeResumeTooOld, "session resume is not available, starting a fresh session", false, 0)
	}

	session := NewSession()
	welcome, err := wire.NewWelcome(c.clock.Now(), wire.WelcomePayload{
		SessionID: session.ID,
		Limits: wire.Limits{
			MaxFrameBytes:   c.config.MaxFrameBytes,
			HeartbeatMillis: c.config.HeartbeatInterval.Milliseconds(),
		},
	})
	if err != nil {
		c.sendError(wire.CodeInternal, "failed to construct welcome", true, 0)
		c.fail(fmt.Errorf("building welcome: %w", err))
		return
	}
	if !c.Send(welcome) {
		return
	}

	c.mu.Lock()
	if c.state != StateHandshaking {
		// A concurrent close or write failure won the race; do not
		// activate a dying connection.
		c.mu.Unlock()
		return
	}
	c.state = StateActive
	c.session = session
	c.agent = hello.Agent
	c.team = team
	c.info = hello
	c.lastPong = c.clock.Now()
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go c.heartbeat(stop)

	c.logger.Info("agent connected",
		"agent", hello.Agent,
		"team", team,
		"cli", hello.CLI,
		"session", session.ID,
	)
	if c.onActive != nil {
		c.onActive(c)
	}
}

func (c *Connection) handleSend(envelope wire.Envelope) {
	c.mu.Lock()
	if c.state != StateActive {
		c.mu.Unlock()
		c.sendError(wire.CodeBadRequest, "send is only valid on an active connection", false, 0)
		return
	}
	agent := c.agent
	c.mu.Unlock()

	result := c.limiter.TryAcquireWithResult(agent)
	if !result.Allowed {
		if c.config.LogThrottling {
			c.logger.Warn("send throttled", "agent", agent, "retry_after", result.RetryAfter)
		}
		c.sendError(wire.CodeRateLimited, "message rate limit exceeded", false, result.RetryAfter)
		return
	}

	if c.onMessage != nil {
		c.onMessage(c, envelope)
	}
}

func (c *Connection) handlePing(envelope wire.Envelope) {
	var ping wire.PingPayload
	if err := envelope.DecodePayload(&ping); err != nil {
		c.sendError(wire.CodeBadRequest, "malformed ping payload", false, 0)
		return
	}
	if pong, err := wire.NewPong(c.clock.Now(), ping.Nonce); err == nil {
		c.Send(pong)
	}
}

func (c *Connection) handlePong(envelope wire.Envelope) {
	c.mu.Lock()
	c.lastPong = c.clock.Now()
	c.mu.Unlock()
	if c.onPong != nil {
		c.onPong(c, envelope)
	}
}

// heartbeat pings the peer every interval and enforces the liveness
// deadline. Runs only while the connection is active; the stop channel
// and the state check cover the two shutdown paths.
func (c *Connection) heartbeat(stop chan struct{}) {
	ticker := c.clock.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()
	deadline := c.config.HeartbeatInterval * time.Duration(c.config.HeartbeatTimeoutMultiplier)

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			if c.state != StateActive {
				c.mu.Unlock()
				return
			}
			silent := c.clock.Now().Sub(c.lastPong)
			agent := c.agent
			c.mu.Unlock()

			if silent > deadline {
				// No farewell ping: the peer already proved it is not
				// listening.
				c.fail(fmt.Errorf("agent %q unresponsive for %v", agent, silent))
				return
			}
			if ping, err := wire.NewPing(c.clock.Now()); err == nil {
				c.Send(ping)
			}
		}
	}
}

// stopHeartbeatLocked signals the heartbeat goroutine. Caller holds
// c.mu.
func (c *Connection) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// sendError reports a protocol error to the peer. Fatal errors are
// followed by a teardown at the call site; sendError itself never
// changes state.
func (c *Connection) sendError(code wire.ErrorCode, message string, fatal bool, retryAfter time.Duration) {
	envelope, err := wire.NewError(c.clock.Now(), wire.ErrorPayload{
		Code:             code,
		Message:          message,
		Fatal:            fatal,
		RetryAfterMillis: retryAfter.Milliseconds(),
	})
	if err != nil {
		return
	}
	c.Send(envelope)
}
