// Copyright (c) The Registry Proxy Authors
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the frontend listener: one Server per registered
// protocol, accepting connections and running the per-connection pipeline
// of TLS handshake, codec, and relay.
package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mamikk/nomulus/pkg/codec"
	"github.com/mamikk/nomulus/pkg/credentials"
	proxyerrors "github.com/mamikk/nomulus/pkg/errors"
	"github.com/mamikk/nomulus/pkg/metrics"
	"github.com/mamikk/nomulus/pkg/ratelimit"
	"github.com/mamikk/nomulus/pkg/registry"
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the
// configured timeout and remaining connections were force-closed.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Relayer forwards one decoded message to the backend and returns the
// response body to frame. Implemented by the relay client.
type Relayer interface {
	Relay(ctx context.Context, msg *codec.Message) ([]byte, error)
}

// Config holds the frontend listener configuration for one protocol.
type Config struct {
	// Host is the bind host; empty binds all interfaces.
	Host string

	// Definition is this listener's protocol entry from the registry.
	Definition registry.ProtocolDefinition

	// TLSConfig is required when the protocol demands TLS.
	TLSConfig *tls.Config

	// IdleTimeout closes connections with no complete frame within it.
	IdleTimeout time.Duration

	// HandshakeTimeout bounds the TLS handshake.
	HandshakeTimeout time.Duration

	// ShutdownTimeout is the drain grace period before remaining
	// connections are force-closed.
	ShutdownTimeout time.Duration

	// Limiter rejects connection floods per client IP; optional.
	Limiter *ratelimit.Limiter

	// Metrics records connection and frame metrics; optional.
	Metrics *metrics.Metrics

	// Logger for server events.
	Logger *slog.Logger
}

// Server accepts connections for a single protocol and relays decoded
// messages to the backend.
type Server struct {
	config  Config
	relayer Relayer
	wg      sync.WaitGroup
}

// New creates a frontend server for one protocol definition.
func New(cfg Config, r Relayer) (*Server, error) {
	if cfg.Definition.RequireTLS && cfg.TLSConfig == nil {
		return nil, fmt.Errorf("%w: protocol %q requires TLS but no TLS config given",
			proxyerrors.ErrConfiguration, cfg.Definition.Name)
	}
	if !cfg.Definition.LocalOnly && r == nil {
		return nil, fmt.Errorf("%w: protocol %q has no relayer",
			proxyerrors.ErrConfiguration, cfg.Definition.Name)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}
	if cfg.HandshakeTimeout == 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Server{
		config:  cfg,
		relayer: r,
	}, nil
}

// Listen binds the protocol's port and accepts connections until the
// context is cancelled, then drains with the shutdown grace period.
// A failure to bind is returned immediately and is startup-fatal.
func (s *Server) Listen(ctx context.Context) error {
	address := net.JoinHostPort(s.config.Host, fmt.Sprintf("%d", s.config.Definition.Port))
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("%w: listen on %s for %s: %v",
			proxyerrors.ErrConfiguration, address, s.config.Definition.Name, err)
	}
	return s.Serve(ctx, listener)
}

// Serve accepts connections from an existing listener. Split out from
// Listen so tests can bind port 0 themselves.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	proto := s.config.Definition.Name

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled",
			slog.String("protocol", proto),
			slog.String("address", listener.Addr().String()))
	}

	s.config.Logger.Info("frontend listener started",
		slog.String("protocol", proto),
		slog.String("address", listener.Addr().String()))

	// Connections get a context independent of the accept loop so the
	// drain phase controls when they are force-closed.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
					s.config.Logger.Error("accept failed",
						slog.String("protocol", proto),
						slog.String("error", err.Error()))
					continue
				}
			}

			if s.config.Limiter != nil && !s.config.Limiter.Allow(remoteIP(conn)) {
				if s.config.Metrics != nil {
					s.config.Metrics.RateLimitedAccepts.WithLabelValues(proto).Inc()
					s.config.Metrics.ConnectionsClosed.WithLabelValues(proto, metrics.ReasonRateLimited).Inc()
				}
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.handleConn(connCtx, conn)
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener",
		slog.String("protocol", proto))

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener",
			slog.String("protocol", proto),
			slog.String("error", err.Error()))
	}
	<-acceptDone

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		s.config.Logger.Info("all connections closed gracefully", slog.String("protocol", proto))
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure",
			slog.String("protocol", proto))
		connCancel()
		select {
		case <-drained:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// handleConn runs one connection's lifecycle under the connection metrics.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	proto := s.config.Definition.Name
	if s.config.Metrics != nil {
		s.config.Metrics.ObserveConnection(proto, func() string {
			return s.serveConn(ctx, conn)
		})
		return
	}
	s.serveConn(ctx, conn)
}

// serveConn performs the handshake and the read/relay/write loop, returning
// the close reason for metrics.
func (s *Server) serveConn(ctx context.Context, conn net.Conn) string {
	proto := s.config.Definition.Name
	sessionID := uuid.New().String()

	// Force-close on shutdown: an expired deadline unblocks any pending
	// read or write.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			conn.SetDeadline(time.Now())
		case <-watchDone:
		}
	}()

	certFingerprint := ""
	if tlsConn, ok := conn.(*tls.Conn); ok {
		hsCtx, cancel := context.WithTimeout(ctx, s.config.HandshakeTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			if s.config.Metrics != nil {
				s.config.Metrics.TLSHandshakeFailures.WithLabelValues(proto).Inc()
			}
			s.config.Logger.Debug("TLS handshake failed",
				slog.String("protocol", proto),
				slog.String("session", sessionID),
				slog.String("remote", conn.RemoteAddr().String()),
				slog.String("error", err.Error()))
			return metrics.ReasonTLSFailure
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			certFingerprint = credentials.Fingerprint(state.PeerCertificates[0])
		}
	}

	c := s.config.Definition.NewCodec()
	clientIP := remoteIP(conn)

	s.config.Logger.Debug("connection established",
		slog.String("protocol", proto),
		slog.String("session", sessionID),
		slog.String("remote", conn.RemoteAddr().String()))

	for {
		// Idle clients are timeouts, not errors.
		conn.SetReadDeadline(time.Now().Add(s.config.IdleTimeout))

		msg, err := c.ReadMessage(conn)
		if err != nil {
			return s.classifyReadError(ctx, sessionID, err)
		}
		msg.ClientIP = clientIP
		msg.CertFingerprint = certFingerprint

		if s.config.Metrics != nil {
			s.config.Metrics.FrameSize.WithLabelValues(proto, "in").Observe(float64(len(msg.Payload)))
		}

		var resp []byte
		if !s.config.Definition.LocalOnly {
			// The next frame is not read until this response is written:
			// one outstanding relay call per connection.
			resp, err = s.relayer.Relay(ctx, msg)
			if err != nil {
				re, ok := proxyerrors.AsRelayError(err)
				if !ok || re.Kind != proxyerrors.RelayBackendRejected || len(resp) == 0 {
					s.config.Logger.Warn("relay failed, closing connection",
						slog.String("protocol", proto),
						slog.String("session", sessionID),
						slog.String("error", err.Error()))
					return metrics.ReasonError
				}
				// Backend-reported application error: not a proxy failure,
				// the body goes back to the client verbatim.
			}
		}

		conn.SetWriteDeadline(time.Now().Add(s.config.IdleTimeout))
		if err := c.WriteResponse(conn, resp); err != nil {
			s.config.Logger.Debug("write failed",
				slog.String("protocol", proto),
				slog.String("session", sessionID),
				slog.String("error", err.Error()))
			return metrics.ReasonError
		}
		if s.config.Metrics != nil {
			s.config.Metrics.FrameSize.WithLabelValues(proto, "out").Observe(float64(len(resp)))
		}

		if s.config.Definition.OneShot {
			return metrics.ReasonClientClose
		}
	}
}

// classifyReadError maps a codec read failure to a close reason.
func (s *Server) classifyReadError(ctx context.Context, sessionID string, err error) string {
	proto := s.config.Definition.Name

	switch {
	case ctx.Err() != nil:
		return metrics.ReasonShutdown
	case errors.Is(err, io.EOF):
		return metrics.ReasonClientClose
	case errors.Is(err, proxyerrors.ErrProtocolViolation),
		errors.Is(err, proxyerrors.ErrFrameTooLarge):
		s.config.Logger.Debug("protocol violation",
			slog.String("protocol", proto),
			slog.String("session", sessionID),
			slog.String("error", err.Error()))
		return metrics.ReasonProtocolViolation
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return metrics.ReasonTimeout
		}
		s.config.Logger.Debug("read failed",
			slog.String("protocol", proto),
			slog.String("session", sessionID),
			slog.String("error", err.Error()))
		return metrics.ReasonError
	}
}

// remoteIP strips the port from the connection's remote address.
func remoteIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}
