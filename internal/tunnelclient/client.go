// Package tunnelclient dials the tunnel server, performs the client side of
// the handshake, and relays server-initiated streams to a local service.
package tunnelclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ferrotunnel/ferrotunnel/internal/mux"
	"github.com/ferrotunnel/ferrotunnel/internal/protocol"
	"github.com/ferrotunnel/ferrotunnel/internal/sender"
	"github.com/ferrotunnel/ferrotunnel/internal/sockopt"
)

// HeartbeatInterval is how often the client sends Heartbeat while connected.
const HeartbeatInterval = 30 * time.Second

// HandshakeTimeout bounds how long the client waits for HandshakeAck.
const HandshakeTimeout = 10 * time.Second

// senderDrainTimeout bounds how long session teardown waits for the
// batched sender to flush frames already queued (e.g. a final Error)
// before the connection is closed underneath it.
const senderDrainTimeout = 2 * time.Second

// DefaultProtocolErrorThreshold is how many consecutive protocol-level
// session failures (distinct from ordinary I/O errors) the client tolerates
// before tripping its circuit breaker.
const DefaultProtocolErrorThreshold = 5

// ClientVersion is the protocol version this client speaks.
const ClientVersion = 1

// ErrAuthFailed is returned by Run when the server rejects the handshake
// (invalid token or unsupported version). The client does not retry.
var ErrAuthFailed = errors.New("tunnelclient: handshake rejected by server")

// ErrCircuitOpen is returned by Run after too many consecutive
// protocol-level session failures, distinct from ordinary dial/IO errors
// that backoff alone handles.
var ErrCircuitOpen = errors.New("tunnelclient: circuit open after repeated protocol errors")

// DialFunc opens a raw (possibly TLS-wrapped) connection to the tunnel
// server. Supplying this as a function, rather than an address plus TLS
// config, lets the caller decide TLS/plain and timeout policy.
type DialFunc func(ctx context.Context) (net.Conn, error)

// Options configures a Client.
type Options struct {
	Dial                   DialFunc
	Token                  string
	TunnelID               string
	Capabilities           []string
	LocalAddr              string
	Log                    *slog.Logger
	Codec                  *protocol.Codec
	HeartbeatInterval      time.Duration
	ProtocolErrorThreshold int
	Backoff                *backoff.ExponentialBackOff
}

// Client maintains a persistent connection to the tunnel server, relaying
// server-opened streams to a local service, reconnecting with exponential
// backoff on ordinary failures.
type Client struct {
	opts Options
	log  *slog.Logger
	bo   *backoff.ExponentialBackOff
}

// New returns a Client. Unset optional fields take spec-mandated defaults
// (backoff base=1s, max=60s, factor=2.0, jitter=0.3; heartbeat 30s).
func New(opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec(0)
	}
	if opts.Log == nil {
		opts.Log = slog.Default()
	}
	if opts.HeartbeatInterval == 0 {
		opts.HeartbeatInterval = HeartbeatInterval
	}
	if opts.ProtocolErrorThreshold == 0 {
		opts.ProtocolErrorThreshold = DefaultProtocolErrorThreshold
	}
	bo := opts.Backoff
	if bo == nil {
		bo = backoff.NewExponentialBackOff()
		bo.InitialInterval = 1 * time.Second
		bo.MaxInterval = 60 * time.Second
		bo.Multiplier = 2.0
		bo.RandomizationFactor = 0.3
		bo.MaxElapsedTime = 0 // retry forever unless the caller sets a cap
	}
	return &Client{opts: opts, log: opts.Log, bo: bo}
}

// Run connects and maintains the tunnel session until ctx is canceled, the
// server rejects the handshake (ErrAuthFailed), or the circuit breaker trips
// (ErrCircuitOpen). A clean ctx cancellation returns nil.
func (c *Client) Run(ctx context.Context) error {
	protocolErrors := 0

	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := c.opts.Dial(ctx)
		if err != nil {
			c.log.Warn("dial failed", "error", err)
			if !c.sleepBackoff(ctx) {
				return nil
			}
			continue
		}

		if err := sockopt.Tune(conn); err != nil {
			c.log.Debug("socket tuning incomplete", "error", err)
		}
		err = c.runSession(ctx, conn)
		conn.Close()

		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}

		if isProtocolError(err) {
			protocolErrors++
			if protocolErrors >= c.opts.ProtocolErrorThreshold {
				return ErrCircuitOpen
			}
		} else {
			protocolErrors = 0
		}

		c.log.Warn("session ended, reconnecting", "error", err)
		if !c.sleepBackoff(ctx) {
			return nil
		}
	}
}

func (c *Client) sleepBackoff(ctx context.Context) bool {
	d := c.bo.NextBackOff()
	if d == backoff.Stop {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// protocolError tags a session failure as a protocol-level violation
// (malformed frame, oversize frame) rather than an ordinary transport error,
// so Run's circuit breaker counts only the former.
type protocolError struct{ err error }

func (e *protocolError) Error() string { return e.err.Error() }
func (e *protocolError) Unwrap() error { return e.err }

func isProtocolError(err error) bool {
	var pe *protocolError
	return errors.As(err, &pe)
}

// runSession performs the handshake and runs one connection's message loop
// until it fails or ctx is canceled.
func (c *Client) runSession(ctx context.Context, conn net.Conn) error {
	fr := protocol.NewFrameReader(conn, c.opts.Codec)

	hs := &protocol.HandshakeFrame{
		Version:      ClientVersion,
		Token:        c.opts.Token,
		TunnelID:     c.opts.TunnelID,
		Capabilities: c.opts.Capabilities,
	}
	if err := c.writeFrame(conn, hs); err != nil {
		return fmt.Errorf("sending handshake: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(HandshakeTimeout))
	f, err := fr.ReadFrame()
	if err != nil {
		return fmt.Errorf("reading handshake ack: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	ack, ok := f.(*protocol.HandshakeAckFrame)
	if !ok {
		return &protocolError{fmt.Errorf("expected HandshakeAck, got %v", f.Type())}
	}
	if ack.Status != protocol.HandshakeSuccess {
		// RateLimited is transient: retry with backoff. InvalidToken and
		// UnsupportedVersion are terminal.
		if ack.Status == protocol.HandshakeRateLimited {
			return fmt.Errorf("tunnelclient: server rate-limited the handshake")
		}
		return fmt.Errorf("%w: %v", ErrAuthFailed, ack.Status)
	}

	c.bo.Reset()
	c.log.Info("tunnel established", "session_id", ack.SessionID)

	bs := sender.New(conn, c.opts.Codec)
	m := mux.New(true, bs, c.log)

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	senderDone := make(chan error, 1)
	senderExited := make(chan struct{})
	go func() {
		senderDone <- bs.Run()
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

	go c.heartbeatLoop(sessionCtx, bs)
	go c.dispatchLoop(sessionCtx, m)

	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		f, err := fr.ReadFrame()
		if err != nil {
			select {
			case serr := <-senderDone:
				if serr != nil {
					return serr
				}
			default:
			}
			if protocol.IsDecodeError(err) {
				bs.Enqueue(sender.PrioritizedFrame{
					Priority: protocol.PriorityCritical,
					Frame:    &protocol.ErrorFrame{Code: protocol.ErrorCodeProtocol, Message: err.Error()},
				})
				return &protocolError{fmt.Errorf("reading frame: %w", err)}
			}
			return err
		}

		switch v := f.(type) {
		case *protocol.HeartbeatAckFrame:
			// Metrics only.
		case *protocol.StreamAckFrame:
			// Informational; the client opens streams fire-and-forget.
		case *protocol.ErrorFrame:
			if !v.HasStreamID {
				// A session-level protocol error from the server counts
				// toward the circuit breaker like a local decode failure.
				if v.Code == protocol.ErrorCodeProtocol {
					return &protocolError{fmt.Errorf("server reported protocol error: %s", v.Message)}
				}
				return fmt.Errorf("tunnelclient: server error (%s): %s", v.Code, v.Message)
			}
			m.ProcessFrame(v)
		default:
			m.ProcessFrame(f)
		}
	}
}

func (c *Client) writeFrame(conn net.Conn, f protocol.Frame) error {
	parts, err := c.opts.Codec.EncodeParts(f)
	if err != nil {
		return err
	}
	defer c.opts.Codec.Release(parts)
	for _, p := range parts {
		if _, err := conn.Write(p); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) heartbeatLoop(ctx context.Context, bs *sender.BatchedSender) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			hb := &protocol.HeartbeatFrame{Timestamp: uint64(time.Now().UnixNano())}
			bs.Enqueue(sender.PrioritizedFrame{Priority: protocol.PriorityOf(hb), Frame: hb})
		}
	}
}

// dispatchLoop relays every server-opened stream to the configured local
// service, one goroutine per stream.
func (c *Client) dispatchLoop(ctx context.Context, m *mux.Multiplexer) {
	for {
		st, ok := m.Accept()
		if !ok {
			return
		}
		go c.relayStream(ctx, st)
	}
}

func (c *Client) relayStream(ctx context.Context, st *mux.Stream) {
	local, err := (&net.Dialer{Timeout: 10 * time.Second}).DialContext(ctx, "tcp", c.opts.LocalAddr)
	if err != nil {
		c.log.Warn("dialing local service failed", "stream_id", st.ID(), "error", err)
		st.Close()
		return
	}
	if err := sockopt.Tune(local); err != nil {
		c.log.Debug("socket tuning incomplete", "stream_id", st.ID(), "error", err)
	}
	defer local.Close()
	defer st.Close()

	done := make(chan struct{}, 2)
	go func() {
		io.Copy(local, st)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(st, local)
		done <- struct{}{}
	}()
	<-done
}
