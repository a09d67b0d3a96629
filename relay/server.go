// Copyright 2026 The Crosstalk Authors
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"github.com/crosstalk-foundation/crosstalk/lib/clock"
	"github.com/crosstalk-foundation/crosstalk/peerauth"
	"github.com/crosstalk-foundation/crosstalk/ratelimit"
	"github.com/crosstalk-foundation/crosstalk/wire"
)

// ServerOptions configures a Server. SocketPath is required; the rest
// defaults sensibly.
type ServerOptions struct {
	// SocketPath is the Unix socket the daemon listens on.
	SocketPath string

	// ListenAddr, when non-empty, adds a TCP listener. Combined with
	// TLSConfig for remote peers; plain TCP is refused.
	ListenAddr string

	// TLSConfig is the server TLS material for ListenAddr, typically
	// from peerauth.LoadTLS.
	TLSConfig *tls.Config

	Validator  *peerauth.Validator
	Limiter    ratelimit.Limiter
	Clock      clock.Clock
	Logger     *slog.Logger
	Connection ConnectionConfig
}

// Server accepts relay connections and wires each one to the shared
// router, limiter, and validator.
type Server struct {
	socketPath string
	listenAddr string
	tlsConfig  *tls.Config

	validator        *peerauth.Validator
	limiter          ratelimit.Limiter
	clock            clock.Clock
	logger           *slog.Logger
	connectionConfig ConnectionConfig

	router *Router

	// activeConnections tracks live reader goroutines for graceful
	// shutdown. Serve waits for all of them after the listeners close.
	activeConnections sync.WaitGroup

	mu          sync.Mutex
	connections map[*Connection]struct{}
}

// NewServer builds a server from options.
func NewServer(options ServerOptions) (*Server, error) {
	if options.SocketPath == "" {
		return nil, errors.New("relay: server requires a socket path")
	}
	if options.ListenAddr != "" && options.TLSConfig == nil {
		return nil, errors.New("relay: TCP listener requires TLS")
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

	return &Server{
		socketPath:       options.SocketPath,
		listenAddr:       options.ListenAddr,
		tlsConfig:        options.TLSConfig,
		validator:        options.Validator,
		limiter:          options.Limiter,
		clock:            options.Clock,
		logger:           options.Logger,
		connectionConfig: options.Connection.withDefaults(),
		router:           NewRouter(options.Clock, options.Logger),
		connections:      make(map[*Connection]struct{}),
	}, nil
}

// Router exposes the server's routing directory, mainly for
// inspection and tests.
func (s *Server) Router() *Router { return s.router }

// Serve listens until ctx is cancelled, then closes the listeners,
// shuts down every connection, and waits for their reader goroutines.
//
// Any stale socket file at the configured path is removed before
// listening; the socket file is removed again on return.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	unixListener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}
	defer func() {
		unixListener.Close()
		os.Remove(s.socketPath)
	}()

	var tcpListener net.Listener
	if s.listenAddr != "" {
		tcpListener, err = tls.Listen("tcp", s.listenAddr, s.tlsConfig)
		if err != nil {
			return fmt.Errorf("listening on %s: %w", s.listenAddr, err)
		}
		defer tcpListener.Close()
	}

	// Unblock Accept when the context is cancelled.
	go func() {
		<-ctx.Done()
		unixListener.Close()
		if tcpListener != nil {
			tcpListener.Close()
		}
	}()

	s.logger.Info("relay listening", "socket", s.socketPath, "tcp", s.listenAddr)

	var acceptLoops sync.WaitGroup
	acceptLoops.Add(1)
	go func() {
		defer acceptLoops.Done()
		s.acceptLoop(ctx, unixListener, true)
	}()
	if tcpListener != nil {
		acceptLoops.Add(1)
		go func() {
			defer acceptLoops.Done()
			s.acceptLoop(ctx, tcpListener, false)
		}()
	}
	acceptLoops.Wait()

	// Close every live connection so their reader goroutines finish.
	s.mu.Lock()
	open := make([]*Connection, 0, len(s.connections))
	for connection := range s.connections {
		open = append(open, connection)
	}
	s.mu.Unlock()
	for _, connection := range open {
		connection.Close()
	}

	s.activeConnections.Wait()
	s.logger.Info("relay stopped")
	return ctx.Err()
}

func (s *Server) acceptLoop(ctx context.Context, listener net.Listener, unixSocket bool) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.startConnection(conn, unixSocket)
	}
}

// startConnection resolves peer credentials and hands the socket to a
// Connection wired into the router.
func (s *Server) startConnection(conn net.Conn, unixSocket bool) {
	var creds *peerauth.Credentials
	if unixSocket {
		resolved, err := peerauth.FromConn(conn)
		if err != nil {
			// The validator decides whether a peer without resolvable
			// credentials may proceed.
			s.logger.Warn("resolving peer credentials", "error", err)
		} else {
			creds = resolved
		}
	}

	s.activeConnections.Add(1)
	done := make(chan struct{})

	connection := NewConnection(ConnectionOptions{
		Conn:      conn,
		Creds:     creds,
		Validator: s.validator,
		Limiter:   s.limiter,
		Clock:     s.clock,
		Logger:    s.logger,
		Config:    s.connectionConfig,
		OnActive:  s.router.Register,
		OnMessage: s.handleMessage,
		OnClose: func(connection *Connection) {
			s.finishConnection(connection)
			close(done)
		},
		OnError: func(connection *Connection, err error) {
			s.finishConnection(connection)
			close(done)
		},
	})

	s.mu.Lock()
	s.connections[connection] = struct{}{}
	s.mu.Unlock()

	// A connection can fail before the map insertion above; re-check
	// so a terminal connection never lingers in the live set.
	if state := connection.State(); state == StateClosed || state == StateError {
		s.finishConnection(connection)
	}

	go func() {
		<-done
		s.activeConnections.Done()
	}()
}

// handleMessage routes send envelopes; anything else that reaches the
// message callback is an extension type the relay does not interpret.
func (s *Server) handleMessage(connection *Connection, envelope wire.Envelope) {
	switch envelope.Type {
	case wire.TypeSend:
		s.router.Route(connection, envelope)
	default:
		s.logger.Debug("ignoring envelope of unknown type",
			"agent", connection.Agent(),
			"type", envelope.Type,
		)
	}
}

// finishConnection removes a terminal connection from the router and
// the live set.
func (s *Server) finishConnection(connection *Connection) {
	s.router.Unregister(connection)
	s.mu.Lock()
	delete(s.connections, connection)
	s.mu.Unlock()
}
