// Package tunnelserver accepts tunnel-client connections, performs the
// handshake, and runs each session's reader/sender/heartbeat loop.
package tunnelserver

import (
	"context"
	"log/slog"
	"net"
	"time"

	"github.com/ferrotunnel/ferrotunnel/internal/auth"
	"github.com/ferrotunnel/ferrotunnel/internal/mux"
	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
	"github.com/ferrotunnel/ferrotunnel/internal/ratelimit"
	"github.com/ferrotunnel/ferrotunnel/internal/sender"
	"github.com/ferrotunnel/ferrotunnel/internal/session"
	"github.com/ferrotunnel/ferrotunnel/internal/sockopt"
)

// DefaultAcceptTimeout bounds how long a freshly accepted connection has to
// send its Handshake frame before the server gives up on it.
const DefaultAcceptTimeout = 30 * time.Second

// senderDrainTimeout bounds how long session teardown waits for the
// batched sender to flush frames already queued (e.g. a final Error)
// before the connection is closed underneath it.
const senderDrainTimeout = 2 * time.Second

// SupportedVersion is the only protocol version this server accepts.
const SupportedVersion = 1

// Options configures a Server.
type Options struct {
	Token            string
	Log              *slog.Logger
	Codec            *protocol.Codec
	Sessions         *session.Store
	AcceptTimeout    time.Duration
	HandshakeLimiter *ratelimit.HandshakeLimiter
	ConnLimiter      *ratelimit.ConnectionLimiter
}

// Server accepts tunnel-client connections and runs their sessions.
type Server struct {
	opts Options
	log  *slog.Logger
}

// New returns a Server. A zero-valued Options.Codec/Sessions/Log are filled
// with sensible defaults.
func New(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(0)
	}
	if opts.Sessions == nil {
		opts.Sessions = session.NewStore(0, 0)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.AcceptTimeout == 0 {
		opts.AcceptTimeout = DefaultAcceptTimeout
	}
	return &Server{opts: opts, log: opts.Log}
}

// Run accepts connections from ln until ctx is canceled. ln may already be
// TLS-wrapped (tls.Listen) or plain; Run treats it identically either way.
func (s *Server) Run(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		s.log.Info("tunnel server shutting down")
		ln.Close()
	}()

	consecutiveErrors := 0
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.log.Info("tunnel server shutdown complete")
				return nil
			default:
				consecutiveErrors++
				s.log.Error("accepting connection", "error", err, "consecutive_errors", consecutiveErrors)
				delay := time.Duration(consecutiveErrors) * 100 * time.Millisecond
				if delay > 5*time.Second {
					delay = 5 * time.Second
				}
				time.Sleep(delay)
				continue
			}
		}
		consecutiveErrors = 0
		go s.HandleConnection(ctx, conn)
	}
}

// HandleConnection drives one accepted connection through the handshake and
// its message loop until the connection is lost. It always closes conn
// before returning.
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	peer := conn.RemoteAddr()
	log := s.log.With("peer", peer)

	if err := sockopt.Tune(conn); err != nil {
		log.Debug("socket tuning incomplete", "error", err)
	}

	if s.opts.ConnLimiter != nil {
		if !s.opts.ConnLimiter.TryAcquire() {
			log.Warn("connection limit reached, rejecting")
			return
		}
		defer s.opts.ConnLimiter.Release()
	}

	if s.opts.HandshakeLimiter != nil && !s.opts.HandshakeLimiter.Allow(peer.String()) {
		s.sendSingle(conn, &protocol.HandshakeAckFrame{Status: protocol.HandshakeRateLimited})
		log.Warn("handshake rate limit exceeded")
		return
	}

	conn.SetReadDeadline(time.Now().Add(s.opts.AcceptTimeout))
	fr := protocol.NewFrameReader(conn, s.opts.Codec)

	f, err := fr.ReadFrame()
	if err != nil {
		log.Warn("reading handshake frame", "error", err)
		return
	}
	hs, ok := f.(*protocol.HandshakeFrame)
	if !ok {
		log.Warn("expected Handshake frame first", "got", f.Type())
		return
	}

	if !auth.TokensEqual(hs.Token, s.opts.Token) {
		s.sendSingle(conn, &protocol.HandshakeAckFrame{Status: protocol.HandshakeInvalidToken})
		log.Warn("handshake rejected: invalid token")
		return
	}
	if hs.Version != SupportedVersion {
		s.sendSingle(conn, &protocol.HandshakeAckFrame{Status: protocol.HandshakeUnsupportedVersion})
		log.Warn("handshake rejected: unsupported version", "version", hs.Version)
		return
	}

	conn.SetReadDeadline(time.Time{})

	bs := sender.New(conn, s.opts.Codec)
	m := mux.New(false, bs, log)

	// If the sender dies (write error), close conn to unblock the reader
	// below so the session tears down from one place.
	senderExited := make(chan struct{})
	go func() {
		if err := bs.Run(); err != nil {
			log.Warn("sender failed, tearing down session", "error", err)
		}
		conn.Close()
		close(senderExited)
	}()
	defer func() {
		bs.Close()
		select {
		case <-senderExited:
		case <-time.After(senderDrainTimeout):
		}
	}()
	defer m.Close()

	record := s.opts.Sessions.Create(peer, hs.Token, hs.Capabilities, m)
	if hs.TunnelID != "" {
		s.opts.Sessions.BindTunnelID(hs.TunnelID, record)
	}
	defer s.opts.Sessions.Remove(record.ID)

	bs.Enqueue(sender.PrioritizedFrame{
		Priority: protocol.PriorityCritical,
		Frame:    &protocol.HandshakeAckFrame{Status: protocol.HandshakeSuccess, SessionID: record.ID},
	})
	log.Info("session established", "session_id", record.ID, "tunnel_id", hs.TunnelID)

	for {
		f, err := fr.ReadFrame()
		if err != nil {
			if protocol.IsDecodeError(err) {
				bs.Enqueue(sender.PrioritizedFrame{
					Priority: protocol.PriorityCritical,
					Frame:    &protocol.ErrorFrame{Code: protocol.ErrorCodeProtocol, Message: err.Error()},
				})
				log.Warn("protocol violation, closing session", "error", err)
				return
			}
			log.Info("session ended", "error", err)
			return
		}
		record.Touch()

		switch f.(type) {
		case *protocol.HeartbeatFrame:
			ack := &protocol.HeartbeatAckFrame{Timestamp: uint64(time.Now().UnixNano())}
			bs.Enqueue(sender.PrioritizedFrame{Priority: protocol.PriorityOf(ack), Frame: ack})
		case *protocol.HeartbeatAckFrame:
			// Consumed for metrics only; the server never emits Heartbeat.
		default:
			m.ProcessFrame(f)
		}
	}
}

func (s *Server) sendSingle(conn net.Conn, f protocol.Frame) {
	parts, err := s.opts.Codec.EncodeParts(f)
	if err != nil {
		s.log.Error("encoding frame", "error", err)
		return
	}
	defer s.opts.Codec.Release(parts)
	for _, p := range parts {
		if _, err := conn.Write(p); err != nil {
			s.log.Warn("writing frame", "error", err)
			return
		}
	}
}
